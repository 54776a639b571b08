// Package trust authenticates peers by pinned certificate fingerprints
// instead of a certificate authority.
package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	KeyBits      = 2048
	ValidityDays = 3650
	Organization = "Voice"

	fingerprintPrefix = "SHA256:"
	certFileName      = "server.crt"
	keyFileName       = "server.key"
)

// Identity is a device's self-signed certificate and its private key.
type Identity struct {
	Certificate *x509.Certificate
	CertDER     []byte
	PrivateKey  *rsa.PrivateKey
	Fingerprint string
}

// GenerateSelfSignedIdentity creates a fresh RSA key and a self-signed
// certificate carrying displayName as CN and deviceID as the subject serial
// number. Extra hosts are added to the SAN list next to localhost.
func GenerateSelfSignedIdentity(displayName, deviceID string, hosts ...string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generate serial")
	}

	if displayName == "" {
		displayName = "Voice Sync"
	}
	subject := pkix.Name{
		CommonName:   displayName,
		Organization: []string{Organization},
	}
	if deviceID != "" {
		if len(deviceID) > 32 {
			deviceID = deviceID[:32]
		}
		subject.SerialNumber = deviceID
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(0, 0, ValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}
	return newIdentity(der, key)
}

func newIdentity(der []byte, key *rsa.PrivateKey) (*Identity, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}
	return &Identity{
		Certificate: cert,
		CertDER:     der,
		PrivateKey:  key,
		Fingerprint: FingerprintOf(der),
	}, nil
}

// FingerprintOf hashes DER certificate bytes into "SHA256:aa:bb:...".
func FingerprintOf(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return fingerprintPrefix + strings.Join(parts, ":")
}

// FingerprintOfPEM decodes the first certificate block of a PEM document.
func FingerprintOfPEM(data []byte) (string, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("no certificate PEM block found")
	}
	return FingerprintOf(block.Bytes), nil
}

// FingerprintsEqual compares fingerprints case-insensitively.
func FingerprintsEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ValidFingerprint reports whether s looks like a SHA256 fingerprint.
func ValidFingerprint(s string) bool {
	if !strings.HasPrefix(strings.ToUpper(s), fingerprintPrefix) {
		return false
	}
	body := s[len(fingerprintPrefix):]
	parts := strings.Split(body, ":")
	if len(parts) != sha256.Size {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// TLSCertificate returns the identity in the form crypto/tls consumes.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.CertDER},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

func (id *Identity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.CertDER})
}

func (id *Identity) KeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(id.PrivateKey)})
}

// Save writes the certificate and key as PEM files. The key file is only
// readable by the owner.
func (id *Identity) Save(certPath, keyPath string) error {
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	if err := os.WriteFile(certPath, id.CertPEM(), 0o644); err != nil {
		return errors.Wrap(err, "write certificate")
	}
	if err := os.WriteFile(keyPath, id.KeyPEM(), 0o600); err != nil {
		return errors.Wrap(err, "write private key")
	}
	return nil
}

// LoadIdentity reads a PEM certificate and RSA key pair from disk.
func LoadIdentity(certPath, keyPath string) (*Identity, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "load key pair")
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Newf("unsupported private key type %T", pair.PrivateKey)
	}
	return newIdentity(pair.Certificate[0], key)
}

// EnsureIdentity loads the identity stored in dir, generating and saving a
// new one when none exists or regenerate is set. created reports whether a
// new certificate was written.
func EnsureIdentity(dir, displayName, deviceID string, regenerate bool) (id *Identity, created bool, err error) {
	certPath, keyPath := IdentityPaths(dir)

	if !regenerate {
		if _, statErr := os.Stat(certPath); statErr == nil {
			id, err = LoadIdentity(certPath, keyPath)
			return id, false, err
		}
	}

	id, err = GenerateSelfSignedIdentity(displayName, deviceID)
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(certPath, keyPath); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func IdentityPaths(dir string) (certPath, keyPath string) {
	return filepath.Join(dir, certFileName), filepath.Join(dir, keyFileName)
}
