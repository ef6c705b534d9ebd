package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *Cert) *x509.Certificate {
	t.Helper()
	if len(c.TLS.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	x, err := x509.ParseCertificate(c.TLS.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	c, err := Generate(time.Hour, "player.local", "10.0.0.7")
	if err != nil {
		t.Fatal(err)
	}
	x := parse(t, c)
	if got := x.NotAfter.Sub(x.NotBefore); got != time.Hour {
		t.Fatalf("got validity %s, want 1h", got)
	}
	if x.NotAfter.Before(time.Now()) {
		t.Fatal("certificate already expired")
	}
	if c.Fingerprint != sha256.Sum256(c.TLS.Certificate[0]) {
		t.Fatal("fingerprint does not match the certificate")
	}
	if c.FingerprintBase64() == "" {
		t.Fatal("empty base64 fingerprint")
	}
	if !slices.Contains(x.DNSNames, "localhost") || !slices.Contains(x.DNSNames, "player.local") {
		t.Fatalf("got dns names %v", x.DNSNames)
	}
	if !slices.ContainsFunc(x.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) }) {
		t.Fatalf("got ip addresses %v", x.IPAddresses)
	}
	if got := len(c.TLSConfig().Certificates); got != 1 {
		t.Fatalf("got %d certificates in tls config, want 1", got)
	}
}

func TestGenerateCapsValidity(t *testing.T) {
	t.Parallel()

	for _, v := range []time.Duration{0, -time.Hour, 30 * 24 * time.Hour} {
		c, err := Generate(v)
		if err != nil {
			t.Fatal(err)
		}
		x := parse(t, c)
		if got := x.NotAfter.Sub(x.NotBefore); got != MaxValidity {
			t.Errorf("validity %s: got %s, want %s", v, got, MaxValidity)
		}
	}
}
