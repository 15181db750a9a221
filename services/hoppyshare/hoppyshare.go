package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/njyeung/hoppyshare/acl"
	"github.com/njyeung/hoppyshare/api"
	"github.com/njyeung/hoppyshare/artifact"
	"github.com/njyeung/hoppyshare/core/access"
	"github.com/njyeung/hoppyshare/core/csql"
	"github.com/njyeung/hoppyshare/core/logger"
	"github.com/njyeung/hoppyshare/core/registry"
	"github.com/njyeung/hoppyshare/devices"
	"github.com/njyeung/hoppyshare/events"
	"github.com/njyeung/hoppyshare/handoff"
	"github.com/njyeung/hoppyshare/mqtt"
	"github.com/njyeung/hoppyshare/pki"
	"github.com/njyeung/hoppyshare/provisioning"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres             string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port                 string `env:"PORT,default=3000" description:"the port the REST API listens on"`
	BrokerAddr           string `env:"BROKER_ADDR,default=:8883" description:"the TLS listen address of the MQTT broker"`
	MachineKey           string `env:"MACHINE_KEY,required" description:"shared key for the control plane routes"`
	JwtPublicKeyURL      string `env:"JWT_PUBLIC_KEY_URL,required" description:"download url for the token signing keys"`
	JwtIssuer            string `env:"JWT_ISSUER,required" description:"accepted token issuer"`
	CADir                string `env:"CA_DIR,default=ca" description:"directory with ca.crt, ca.key and the CA state"`
	ServerCertFile       string `env:"SERVER_CERT_FILE,default=server.crt" description:"broker server certificate"`
	ServerKeyFile        string `env:"SERVER_KEY_FILE,default=server.key" description:"broker server key"`
	BaseACLFile          string `env:"BASE_ACL_FILE,default=acl/base.acl" description:"static base policy"`
	DynamicACLDir        string `env:"DYNAMIC_ACL_DIR,default=acl/dynamic" description:"directory of per-user blocks"`
	MergedACLFile        string `env:"MERGED_ACL_FILE,default=acl/merged.acl" description:"compiled policy consumed by the broker"`
	BinaryDir            string `env:"BINARY_DIR,default=binaries" description:"local agent binaries, used when no S3 bucket is set"`
	BinaryS3AccessID     string `env:"BINARY_S3_ACCESS_ID" description:"S3 access key id for the agent binaries"`
	BinaryS3AccessKey    string `env:"BINARY_S3_ACCESS_KEY" description:"S3 secret access key"`
	BinaryS3Region       string `env:"BINARY_S3_REGION" description:"S3 region"`
	BinaryS3Bucket       string `env:"BINARY_S3_BUCKET" description:"S3 bucket with the agent binaries; empty selects the local directory"`
	BinaryS3Prefix       string `env:"BINARY_S3_PREFIX" description:"key prefix inside the bucket"`
	KafkaBrokers         string `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers; empty disables audit events"`
	KafkaTopic           string `env:"KAFKA_TOPIC,default=provisioning-events" description:"Kafka topic for audit events"`
	CORSAllowedOrigin    string `env:"CORS_ALLOWED_ORIGIN,default=*" description:"allowed CORS origin"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logger.InitLogger(logrus.InfoLevel)

	db := csql.OpenWithSchema(service.Postgres, "hoppyshare")
	defer db.Close()

	deviceStore := devices.NewSQLStore(db)
	handoffStore := handoff.NewSQLStore(db)

	compiler := &acl.Compiler{
		BasePath:   service.BaseACLFile,
		DynamicDir: service.DynamicACLDir,
		MergedPath: service.MergedACLFile,
	}
	// the broker needs a merged policy file before it can start
	if err := compiler.Compile(); err != nil {
		panic(err)
	}

	caCertPEM, err := os.ReadFile(filepath.Join(service.CADir, "ca.crt"))
	if err != nil {
		panic(err)
	}
	caKeyPEM, err := os.ReadFile(filepath.Join(service.CADir, "ca.key"))
	if err != nil {
		panic(err)
	}
	authority, err := pki.NewAuthority(&pki.Builder{
		CACertPEM:  caCertPEM,
		CAKeyPEM:   caKeyPEM,
		Store:      pki.FileStore{Dir: service.CADir},
		Identities: compiler,
	})
	if err != nil {
		panic(err)
	}
	// write a fresh CRL so the broker loads the current revoked set
	crlPEM, err := authority.CRL()
	if err != nil {
		panic(err)
	}
	if err := (pki.FileStore{Dir: service.CADir}).SaveCRL(crlPEM); err != nil {
		panic(err)
	}

	broker := mqtt.NewBroker(&mqtt.Builder{
		CACertFile:    filepath.Join(service.CADir, "ca.crt"),
		CertFile:      service.ServerCertFile,
		KeyFile:       service.ServerKeyFile,
		MergedACLFile: service.MergedACLFile,
		CRLFile:       filepath.Join(service.CADir, pki.CRLFile),
		Addr:          service.BrokerAddr,
	})
	compiler.Reloader = broker

	var source artifact.BinarySource
	if len(service.BinaryS3Bucket) > 0 {
		source, err = artifact.NewS3Source(context.Background(), artifact.S3Configuration{
			AccessID:  service.BinaryS3AccessID,
			AccessKey: service.BinaryS3AccessKey,
			Region:    service.BinaryS3Region,
			Bucket:    service.BinaryS3Bucket,
			Prefix:    service.BinaryS3Prefix,
		})
		if err != nil {
			panic(err)
		}
	} else {
		source = artifact.DirSource{Dir: service.BinaryDir}
	}

	var sink events.Sink = events.NopSink{}
	if len(service.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(splitList(service.KafkaBrokers), service.KafkaTopic)
		defer kafkaSink.Close()
		sink = kafkaSink
	}

	coordinator := provisioning.NewCoordinator(&provisioning.Coordinator{
		CA:        authority,
		ACL:       compiler,
		Devices:   deviceStore,
		Handoff:   handoffStore,
		Publisher: publisherFunc(broker.PublishRetained),
		Artifacts: &artifact.Builder{Source: source},
		Events:    sink,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)

	restAPI := &api.API{Coordinator: coordinator}
	restAPI.AddDeviceRoutes(router)

	control := &api.Control{
		MachineKey: service.MachineKey,
		CA:         authority,
		ACL:        compiler,
		Publisher:  publisherFunc(broker.PublishRetained),
	}
	control.AddRoutes(router)

	userRouter := router.PathPrefix("/").Subrouter()
	userRouter.Use(access.NewJwtMiddelware(&access.JwtMiddlewareBuilder{
		PublicKeyDownloadURL: service.JwtPublicKeyURL,
		Issuer:               service.JwtIssuer,
		Registry:             registry.New(db),
	}))
	restAPI.AddRoutes(userRouter)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{service.CORSAllowedOrigin}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", api.MachineKeyHeader}),
	)

	logrus.Infoln("listen on port :" + service.Port)
	go http.ListenAndServe(":"+service.Port, cors(router))

	broker.Run()
}

// publisherFunc adapts the broker's publish method, which cannot fail
// locally, to the coordinator's publisher interface.
type publisherFunc func(topic string, payload []byte)

func (f publisherFunc) PublishRetained(topic string, payload []byte) error {
	f(topic, payload)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
