// Package mqtt runs the embedded MQTT broker for device agents.
//
// Clients authenticate with mutual TLS against the provisioning CA.
// The certificate common name is the client identity: it must match
// the MQTT client ID, must not appear on the current CRL, and topic
// access is checked against the merged ACL on every subscribe and
// publish.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"

	"github.com/njyeung/hoppyshare/acl"
)

// Broker is the MQTT broker for device agents.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// CACertFile is the file path to the X.509 certificate of the
	// certificate authority. This is mandatory.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file. This is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. This is mandatory.
	KeyFile string
	// MergedACLFile is the file path to the compiled ACL document.
	// This is mandatory.
	MergedACLFile string
	// CRLFile is the file path to the PEM-encoded CRL. Optional, no
	// revocation checking without it.
	CRLFile string
	// Addr is the TLS listen address, defaults to ":8883"
	Addr string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln         net.Listener
	mergedACLFile string
	crlFile       string

	commonNamesRwmux sync.RWMutex
	commonNames      map[net.Conn]string

	policyRwmux sync.RWMutex
	policy      *acl.Policy
	revoked     map[string]bool // revoked serial numbers, decimal

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {

	if len(bb.CACertFile) == 0 {
		panic("ca-cert file missing")
	}

	if len(bb.CertFile) == 0 {
		panic("cert file missing")
	}

	if len(bb.KeyFile) == 0 {
		panic("key file missing")
	}

	if len(bb.MergedACLFile) == 0 {
		panic("merged acl file missing")
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}

	caCert, _ := os.ReadFile(bb.CACertFile)
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		panic("ca-cert file contains no certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

	addr := bb.Addr
	if len(addr) == 0 {
		addr = ":8883"
	}
	tlsln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		panic(err)
	}

	b := &Broker{
		p: &plugin{
			tlsln:         tlsln,
			mergedACLFile: bb.MergedACLFile,
			crlFile:       bb.CRLFile,
			commonNames:   make(map[net.Conn]string),
			revoked:       make(map[string]bool),
		},
	}

	if err := b.Reload(); err != nil {
		panic(err)
	}

	return b
}

// Reload re-reads the merged ACL and the CRL. New connections and new
// subscribe and publish attempts see the updated state immediately.
// Implements acl.Reloader.
func (b *Broker) Reload() error {
	data, err := os.ReadFile(b.p.mergedACLFile)
	if err != nil {
		return fmt.Errorf("read merged acl: %w", err)
	}
	policy, err := acl.ParsePolicy(data)
	if err != nil {
		return err
	}

	revoked := make(map[string]bool)
	if len(b.p.crlFile) > 0 {
		crlPEM, err := os.ReadFile(b.p.crlFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("read crl: %w", err)
			}
			// no CRL published yet, nothing revoked
		} else {
			block, _ := pem.Decode(crlPEM)
			if block == nil {
				return fmt.Errorf("crl file %s is not PEM", b.p.crlFile)
			}
			crl, err := x509.ParseRevocationList(block.Bytes)
			if err != nil {
				return fmt.Errorf("parse crl: %w", err)
			}
			for _, entry := range crl.RevokedCertificateEntries {
				revoked[entry.SerialNumber.String()] = true
			}
		}
	}

	b.p.policyRwmux.Lock()
	defer b.p.policyRwmux.Unlock()
	b.p.policy = policy
	b.p.revoked = revoked
	logrus.WithFields(logrus.Fields{"revoked": len(revoked)}).Info("broker policy reloaded")
	return nil
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM and
// a gracefully shutdown.
func (b *Broker) Run() {

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	logrus.Info("broker started")
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	logrus.Info("broker stopped")

}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	logrus.Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// PublishRetained publishes a retained message with quality level 1.
// Clients receive the latest retained payload when they subscribe.
func (b *Broker) PublishRetained(topic string, payload []byte) {
	logrus.Debugf("PublishRetained on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1, gmqtt.Retained(true))
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "hoppyshare broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) setConnection(conn net.Conn, commonName string) {
	p.commonNamesRwmux.Lock()
	defer p.commonNamesRwmux.Unlock()
	p.commonNames[conn] = commonName
}

func (p *plugin) dropConnection(conn net.Conn) {
	p.commonNamesRwmux.Lock()
	defer p.commonNamesRwmux.Unlock()
	delete(p.commonNames, conn)
}

func (p *plugin) commonNameFromConnection(conn net.Conn) string {
	p.commonNamesRwmux.RLock()
	defer p.commonNamesRwmux.RUnlock()
	return p.commonNames[conn]
}

func (p *plugin) isRevoked(serial string) bool {
	p.policyRwmux.RLock()
	defer p.policyRwmux.RUnlock()
	return p.revoked[serial]
}

func (p *plugin) allows(user, topic string, access acl.Access) bool {
	p.policyRwmux.RLock()
	defer p.policyRwmux.RUnlock()
	return p.policy.Allows(user, topic, access)
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			commonName := cert.Subject.CommonName

			if p.isRevoked(cert.SerialNumber.String()) {
				logrus.WithField("cn", commonName).Warning("accept denied, certificate revoked")
				return false
			}

			p.setConnection(conn, commonName)
			logrus.WithField("cn", commonName).Info("accept")
		}
		return accept(ctx, conn)
	}
}

// OnCloseWrapper drops the connection's common name record
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.dropConnection(client.Connection())
		closed(ctx, client, err)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		commonName := p.commonNameFromConnection(client.Connection())
		if client.OptionsReader().ClientID() != commonName {
			logrus.WithField("client_id", client.OptionsReader().ClientID()).
				Warning("connect denied, client ID does not match certificate")
			return packets.CodeNotAuthorized
		}
		logrus.WithField("cn", commonName).Info("connect")
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		commonName := client.OptionsReader().ClientID()
		if !p.allows(commonName, topic.Name, acl.Read) {
			logrus.WithFields(logrus.Fields{"cn": commonName, "topic": topic.Name}).
				Warning("subscribe denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}

}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logrus.WithFields(logrus.Fields{
			"cn":    client.OptionsReader().ClientID(),
			"topic": topic.Name,
		}).Debug("subscribed")
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces topic policy on publish
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		commonName := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if !p.allows(commonName, topic, acl.Write) {
			logrus.WithFields(logrus.Fields{"cn": commonName, "topic": topic}).
				Warning("publish denied")
			return false
		}
		return arrived(ctx, client, msg)
	}
}
