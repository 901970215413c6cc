package eventbus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerTLSConfig builds the mutual-TLS listener configuration: the server
// presents a certificate chained to the deployment CA and requires (and
// verifies) a client certificate chained to the same CA. Modern TLS 1.2+ is
// the floor; Go's default cipher suite selection already excludes anonymous
// and null ciphers, so none are listed explicitly.
func ServerTLSConfig(serverCertPath, serverKeyPath, caCertPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("eventbus: load server cert: %w", err)
	}
	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("eventbus: read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("eventbus: ca cert %s contains no usable certificates", caCertPath)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// PeerCommonName extracts the verified client certificate's Common Name
// from an established TLS connection state. The caller has already had the
// handshake enforce chain validity; this only reads the identity out of it.
func PeerCommonName(state tls.ConnectionState) (string, bool) {
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", false
	}
	return cn, true
}
