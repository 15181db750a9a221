package pki

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/njyeung/hoppyshare/core/apierror"
)

// Validity is the lifetime of issued leaf certificates.
const Validity = 365 * 24 * time.Hour

// KeyBits is the RSA key size for issued leaf certificates.
const KeyBits = 2048

// IdentityChecker answers whether a common name has an onboarded ACL
// identity. Certificates must never be issued for an unknown identity.
type IdentityChecker interface {
	HasIdentity(cn string) bool
}

// IdentityCheckerFunc adapts a function to the IdentityChecker interface.
type IdentityCheckerFunc func(cn string) bool

// HasIdentity calls f.
func (f IdentityCheckerFunc) HasIdentity(cn string) bool { return f(cn) }

// Authority is a certificate authority backed by a single CA key pair.
// All operations that touch the serial counter or the revoked set hold
// the authority mutex for their full duration.
type Authority struct {
	mu         sync.Mutex
	caCert     *x509.Certificate
	caKey      crypto.Signer
	caCertPEM  []byte
	store      Store
	identities IdentityChecker
}

// Builder assembles an Authority.
type Builder struct {
	// CACertPEM is the PEM encoded CA certificate. This is mandatory.
	CACertPEM []byte
	// CAKeyPEM is the PEM encoded CA private key. This is mandatory.
	CAKeyPEM []byte
	// Store persists serial counter, issued index and revoked set.
	// This is mandatory.
	Store Store
	// Identities guards issuance for unknown common names. Optional;
	// when nil, any well-formed common name is accepted.
	Identities IdentityChecker
}

// NewAuthority parses the CA key material and returns an Authority.
func NewAuthority(b *Builder) (*Authority, error) {
	if len(b.CACertPEM) == 0 {
		return nil, fmt.Errorf("ca cert missing")
	}
	if len(b.CAKeyPEM) == 0 {
		return nil, fmt.Errorf("ca key missing")
	}
	if b.Store == nil {
		return nil, fmt.Errorf("store missing")
	}

	block, _ := pem.Decode(b.CACertPEM)
	if block == nil {
		return nil, fmt.Errorf("ca cert is not PEM")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ca cert: %w", err)
	}

	keyBlock, _ := pem.Decode(b.CAKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca key is not PEM")
	}
	var caKey crypto.Signer
	if key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("ca key does not support signing")
		}
		caKey = signer
	} else if key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err == nil {
		caKey = key
	} else {
		return nil, fmt.Errorf("cannot parse ca key")
	}

	return &Authority{
		caCert:     caCert,
		caKey:      caKey,
		caCertPEM:  b.CACertPEM,
		store:      b.Store,
		identities: b.Identities,
	}, nil
}

// CACertPEM returns the PEM encoded CA certificate.
func (a *Authority) CACertPEM() []byte { return a.caCertPEM }

func validCommonName(cn string) bool {
	if len(cn) == 0 || len(cn) > 64 {
		return false
	}
	return !strings.ContainsAny(cn, " \t\r\n/\\")
}

// Issue generates a fresh RSA key pair and a leaf certificate for the
// common name, signed by the CA with SHA-256 and the client-auth
// extension profile. The certificate serial is allocated from the
// authority's monotonic counter. Key material only ever lives in memory.
func (a *Authority) Issue(cn string) (certPEM, keyPEM []byte, err error) {
	if !validCommonName(cn) {
		return nil, nil, apierror.Validation("malformed common name")
	}
	if a.identities != nil && !a.identities.HasIdentity(cn) {
		return nil, nil, apierror.Validation("common name %q has no onboarded identity", cn)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.store.LoadState()
	if err != nil {
		return nil, nil, apierror.Internal("cannot load CA state").Wrap(err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, nil, apierror.Internal("cannot generate key").Wrap(err)
	}

	serial := state.NextSerial
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &leafKey.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, apierror.Internal("cannot sign certificate").Wrap(err)
	}

	state.NextSerial++
	state.Issued[big.NewInt(serial).String()] = IssuedCert{CommonName: cn, NotAfter: template.NotAfter}
	if err := a.store.SaveState(state); err != nil {
		return nil, nil, apierror.Internal("cannot persist CA state").Wrap(err)
	}

	certBuf := new(bytes.Buffer)
	pem.Encode(certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	keyBuf := new(bytes.Buffer)
	pem.Encode(keyBuf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})

	return certBuf.Bytes(), keyBuf.Bytes(), nil
}

// Revoke marks the certificate's serial as revoked and regenerates the
// full CRL from the revoked set. It returns NotFound when the serial is
// unknown to this CA or was already revoked; callers treat that as an
// already-satisfied condition, not a hard failure.
func (a *Authority) Revoke(certPEM []byte) (crlPEM []byte, err error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, apierror.Validation("certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apierror.Validation("cannot parse certificate").Wrap(err)
	}
	serial := cert.SerialNumber.String()

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.store.LoadState()
	if err != nil {
		return nil, apierror.Internal("cannot load CA state").Wrap(err)
	}
	if _, ok := state.Issued[serial]; !ok {
		return nil, apierror.NotFound("serial %s was not issued by this CA", serial)
	}
	if _, ok := state.Revoked[serial]; ok {
		return nil, apierror.NotFound("serial %s is already revoked", serial)
	}

	state.Revoked[serial] = time.Now().UTC()
	state.CRLNumber++

	crlPEM, err = a.buildCRL(state)
	if err != nil {
		return nil, apierror.Internal("cannot generate CRL").Wrap(err)
	}
	// CRL first. If the state write fails afterwards, the published
	// CRL carries a serial the state does not record as revoked yet,
	// which only over-rejects until the revoke is retried.
	if err := a.store.SaveCRL(crlPEM); err != nil {
		return nil, apierror.Internal("cannot persist CRL").Wrap(err)
	}
	if err := a.store.SaveState(state); err != nil {
		return nil, apierror.Internal("cannot persist CA state").Wrap(err)
	}
	return crlPEM, nil
}

// CRL regenerates the CRL from the current revoked set without changing
// any state. The CRL is a pure function of the revoked serials.
func (a *Authority) CRL() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, err := a.store.LoadState()
	if err != nil {
		return nil, apierror.Internal("cannot load CA state").Wrap(err)
	}
	return a.buildCRL(state)
}

// buildCRL must be called with the authority mutex held.
func (a *Authority) buildCRL(state *State) ([]byte, error) {
	entries := make([]x509.RevocationListEntry, 0, len(state.Revoked))
	for serial, revokedAt := range state.Revoked {
		n, ok := new(big.Int).SetString(serial, 10)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   n,
			RevocationTime: revokedAt,
		})
	}

	now := time.Now().UTC()
	template := &x509.RevocationList{
		Number:                    big.NewInt(state.CRLNumber),
		ThisUpdate:                now,
		NextUpdate:                now.Add(7 * 24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, template, a.caCert, a.caKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlDER}), nil
}

// Delete removes the issued-certificate records for a common name, used
// at account deletion. It returns the number of records removed, or
// NotFound when there were none.
func (a *Authority) Delete(cn string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.store.LoadState()
	if err != nil {
		return 0, apierror.Internal("cannot load CA state").Wrap(err)
	}
	count := 0
	for serial, rec := range state.Issued {
		if rec.CommonName == cn {
			delete(state.Issued, serial)
			count++
		}
	}
	if count == 0 {
		return 0, apierror.NotFound("no certificates for common name %q", cn)
	}
	if err := a.store.SaveState(state); err != nil {
		return 0, apierror.Internal("cannot persist CA state").Wrap(err)
	}
	return count, nil
}
