package trust

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/cockroachdb/errors"
)

// tls12Ciphers is the ECDHE AEAD set; TLS 1.3 suites are not configurable.
var tls12Ciphers = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ServerTLSConfig serves id and asks, without requiring, for a client
// certificate so registered callers can be checked against their pin.
func ServerTLSConfig(id *Identity) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: tls12Ciphers,
		Certificates: []tls.Certificate{id.TLSCertificate()},
		ClientAuth:   tls.RequestClientCert,
	}
}

// ClientTLSConfig accepts any server certificate when pinned is empty and
// otherwise only the one whose fingerprint equals pinned. Chain validation
// is skipped since identities are self-signed. When id is set it is
// presented as the client certificate.
func ClientTLSConfig(id *Identity, pinned string) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       tls12Ciphers,
		InsecureSkipVerify: true, //nolint:gosec // pinned by fingerprint below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("peer presented no certificate")
			}
			if pinned == "" {
				return nil
			}
			actual := FingerprintOf(rawCerts[0])
			if !FingerprintsEqual(pinned, actual) {
				return &MismatchError{Expected: pinned, Actual: actual}
			}
			return nil
		},
	}
	if id != nil {
		cfg.Certificates = []tls.Certificate{id.TLSCertificate()}
	}
	return cfg
}
