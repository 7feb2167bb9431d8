// Package certs provides the TLS certificate for refract's publish and
// viewer API. Certificates are self-signed ECDSA P-256; viewers and publish
// tools pin the SHA-256 fingerprint instead of trusting a CA, so the
// certificate can be persisted to disk and reused across restarts to keep
// pinned fingerprints stable.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultValidity = 30 * 24 * time.Hour

	// renewalWindow is how close to expiry a persisted certificate may get
	// before LoadOrGenerate replaces it.
	renewalWindow = 24 * time.Hour

	certFileName = "cert.pem"
	keyFileName  = "key.pem"
)

// Options configures certificate generation. Zero values fall back to
// refract defaults: CN "refract", localhost plus the loopback addresses,
// 30-day validity.
type Options struct {
	CommonName string
	Hosts      []string // DNS names or IP literals to include as SANs
	Validity   time.Duration
}

func (o Options) withDefaults() Options {
	if o.CommonName == "" {
		o.CommonName = "refract"
	}
	if len(o.Hosts) == 0 {
		o.Hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	if o.Validity <= 0 {
		o.Validity = defaultValidity
	}
	return o
}

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64, the form
// publish tools and viewers pin.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// Generate creates a new self-signed ECDSA P-256 certificate per opts.
func Generate(opts Options) (*CertInfo, error) {
	opts = opts.withDefaults()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(opts.Validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, host := range opts.Hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// LoadOrGenerate returns the certificate persisted in dir, generating and
// persisting a fresh one when none exists, the stored one is unreadable, or
// it expires within the renewal window. An empty dir skips persistence and
// behaves like Generate.
func LoadOrGenerate(dir string, opts Options) (*CertInfo, error) {
	if dir == "" {
		return Generate(opts)
	}

	if info, err := load(dir); err == nil {
		if time.Until(info.NotAfter) > renewalWindow {
			return info, nil
		}
	}

	info, err := Generate(opts)
	if err != nil {
		return nil, err
	}
	if err := save(dir, info); err != nil {
		return nil, err
	}
	return info, nil
}

func load(dir string) (*CertInfo, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, certFileName))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse stored key pair: %w", err)
	}

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse stored certificate: %w", err)
	}

	return &CertInfo{
		TLSCert:     tlsCert,
		Fingerprint: sha256.Sum256(tlsCert.Certificate[0]),
		NotAfter:    leaf.NotAfter,
	}, nil
}

func save(dir string, info *CertInfo) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: info.TLSCert.Certificate[0],
	})
	if err := os.WriteFile(filepath.Join(dir, certFileName), certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(info.TLSCert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyDER,
	})
	if err := os.WriteFile(filepath.Join(dir, keyFileName), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}
