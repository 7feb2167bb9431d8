package certs

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerate_Defaults(t *testing.T) {
	t.Parallel()

	cert, err := Generate(Options{})
	if err != nil {
		t.Fatal(err)
	}

	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "refract" {
		t.Errorf("common name = %q", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Errorf("DNS names = %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 2 {
		t.Errorf("IP SANs = %v", leaf.IPAddresses)
	}
	if validity := leaf.NotAfter.Sub(leaf.NotBefore); validity < defaultValidity {
		t.Errorf("validity = %v, want %v", validity, defaultValidity)
	}
	if cert.FingerprintBase64() == "" {
		t.Error("empty fingerprint")
	}
}

func TestGenerate_CustomOptions(t *testing.T) {
	t.Parallel()

	cert, err := Generate(Options{
		CommonName: "edge-7",
		Hosts:      []string{"stream.example.com", "10.1.2.3"},
		Validity:   48 * time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "edge-7" {
		t.Errorf("common name = %q", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "stream.example.com" {
		t.Errorf("DNS names = %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "10.1.2.3" {
		t.Errorf("IP SANs = %v", leaf.IPAddresses)
	}
	if validity := leaf.NotAfter.Sub(leaf.NotBefore); validity > 48*time.Hour+2*time.Minute {
		t.Errorf("validity = %v, want ~48h", validity)
	}
}

func TestLoadOrGenerate_Persists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}

	// A second call must reuse the stored pair so pinned fingerprints
	// survive restarts.
	second, err := LoadOrGenerate(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.FingerprintBase64() != second.FingerprintBase64() {
		t.Error("persisted certificate was regenerated")
	}
}

func TestLoadOrGenerate_RenewsNearExpiry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// A certificate already inside the renewal window must be replaced.
	first, err := Generate(Options{Validity: renewalWindow / 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := save(dir, first); err != nil {
		t.Fatal(err)
	}

	second, err := LoadOrGenerate(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.FingerprintBase64() == second.FingerprintBase64() {
		t.Error("expiring certificate was not renewed")
	}
	if time.Until(second.NotAfter) < renewalWindow {
		t.Errorf("renewed cert still near expiry: %v", second.NotAfter)
	}
}

func TestLoadOrGenerate_NoDir(t *testing.T) {
	t.Parallel()

	// Empty dir means ephemeral: nothing written, fresh cert each call.
	cert, err := LoadOrGenerate("", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if cert.FingerprintBase64() == "" {
		t.Error("empty fingerprint")
	}
}
