package serde

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const resetKeyInfo = "qecho stateless reset key"

// LoadServerIdentity reads a PEM certificate chain and private key from disk.
// It fails if the files are missing, malformed, or do not belong together.
func LoadServerIdentity(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "reading certificate")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "reading private key")
	}
	cert, err := ParseServerIdentity(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "loading identity from %s and %s", certPath, keyPath)
	}
	return cert, nil
}

func ParseServerIdentity(certPEM, keyPEM []byte) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.Leaf = leaf
	return cert, nil
}

// GenerateSelfSigned creates a self-signed ECDSA certificate valid for hosts,
// which may contain DNS names and IP addresses.
// The certificate and key are returned PEM encoded.
func GenerateSelfSigned(hosts []string, validFor time.Duration) (certPEM, keyPEM []byte, _ error) {
	if len(hosts) == 0 {
		return nil, nil, errors.New("at least one host is required")
	}
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, privKey.Public(), privKey)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "creating certificate")
	}
	keyPEM, err = MarshalPrivateKeyPEM(privKey)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return certPEM, keyPEM, nil
}

func MarshalPrivateKeyPEM(privKey crypto.Signer) ([]byte, error) {
	data, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: data,
	}), nil
}

func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("key file does not contain PEM")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, errors.New("wrong type for PEM block")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := privKey.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("unsupported private key type %T", privKey)
	}
	return signer, nil
}

// DeriveResetKey derives a stable 32 byte key from the identity's private key.
// Servers restarted with the same identity produce the same key, so stateless resets
// are recognized by clients of the previous process.
func DeriveResetKey(cert tls.Certificate) ([32]byte, error) {
	var out [32]byte
	secret, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return out, errors.Wrapf(err, "deriving reset key")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(resetKeyInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
