package cvmclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"time"
)

// fetchLeafCertificate performs a direct TLS handshake against
// host:port and returns the server's leaf certificate, both parsed and
// PEM-encoded. The spec's reference implementation shells out to an SSL
// client for this; a direct handshake is the conforming, idiomatic Go
// equivalent it explicitly allows.
func fetchLeafCertificate(host, port string) (*x509.Certificate, []byte, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // we only need the leaf cert; trust comes from attestation
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tls dial %s:%s: %w", host, port, err)
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("no server certificates presented")
	}
	leaf := certs[0]
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
	return leaf, leafPEM, nil
}

// nowUnix returns the wall clock as unix seconds, the timestamp Attest
// passes to the attestation verifier.
func nowUnix() int64 {
	return time.Now().Unix()
}
