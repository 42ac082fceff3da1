package quicmesh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"

	"github.com/lucas-clemente/quic-go"
	log "github.com/sirupsen/logrus"
)

const alpn = "playhouse-mesh"

// listenerTLSConfig generates a self-signed certificate for the QUIC
// listener. Mesh peers are already authenticated at a higher layer (a
// shared node-id namespace configured out of band), so this mirrors
// the model codebase's bare-bones listener config rather than standing
// up a real PKI.
func listenerTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.WithError(err).Fatal("quicmesh: generating private key")
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		log.WithError(err).Fatal("quicmesh: generating certificate")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		log.WithError(err).Fatal("quicmesh: combining certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
}

func dialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  dialIdleTimeout,
	}
}
