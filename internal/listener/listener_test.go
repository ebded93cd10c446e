package listener

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gophne/gophne/internal/config"
)

// generateTestCert writes a short-lived self-signed certificate/key pair to
// dir, for exercising the TLS listener path without a real CA.
func generateTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certFile)
	if err != nil {
		t.Fatalf("creating cert file: %v", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encoding cert: %v", err)
	}
	certOut.Close()

	keyOut, err := os.Create(keyFile)
	if err != nil {
		t.Fatalf("creating key file: %v", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		t.Fatalf("encoding key: %v", err)
	}
	keyOut.Close()

	return certFile, keyFile
}

func TestOpenTCPListener(t *testing.T) {
	ln, err := Open(config.ListenSpec{Kind: config.EndpointTCP, Host: "127.0.0.1", Port: 0}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ln.Close()
	if ln.Addr().Network() != "tcp" {
		t.Fatalf("network = %s, want tcp", ln.Addr().Network())
	}
}

func TestOpenUnixListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gophne.sock")
	ln, err := Open(config.ListenSpec{Kind: config.EndpointUnix, UnixPath: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ln.Close()
	if ln.Addr().Network() != "unix" {
		t.Fatalf("network = %s, want unix", ln.Addr().Network())
	}
}

func TestConcurrencyLimiterBoundsAcceptedConnections(t *testing.T) {
	lim := NewConcurrencyLimiter(1)
	if !lim.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if lim.TryAcquire() {
		t.Fatal("second acquire should be rejected while first is held")
	}
	lim.Release()
	if !lim.TryAcquire() {
		t.Fatal("acquire should succeed after release")
	}
}

func TestNilConcurrencyLimiterIsUnbounded(t *testing.T) {
	var lim *ConcurrencyLimiter
	for i := 0; i < 1000; i++ {
		if !lim.TryAcquire() {
			t.Fatal("nil limiter should never reject")
		}
	}
}

func TestOpenTLSListenerWiresCertWatcher(t *testing.T) {
	certFile, keyFile := generateTestCert(t, t.TempDir())
	spec := config.ListenSpec{
		Kind: config.EndpointTCP, Host: "127.0.0.1", Port: 0,
		TLS: &config.TLSConfig{CertFile: certFile, KeyFile: keyFile},
	}

	ln, err := Open(spec, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ln.Close()

	tl, ok := ln.(*tlsListener)
	if !ok {
		t.Fatalf("Open returned %T for a TLS spec, want *tlsListener", ln)
	}
	if tl.watcher == nil {
		t.Fatal("tlsListener has no certificate watcher wired")
	}
}

func TestWithConcurrencyLimitClosesOverCapacityConnections(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	limited := WithConcurrencyLimit(raw, NewConcurrencyLimiter(1))
	defer limited.Close()

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := limited.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			// Hold the connection open so the single slot stays occupied.
			_ = conn
		}
	}()

	addr := limited.Addr().String()
	c1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer c1.Close()

	time.Sleep(100 * time.Millisecond) // let the accept loop claim the one slot

	c2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer c2.Close()

	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c2.Read(buf); err == nil {
		t.Fatal("over-capacity connection should have been closed by the listener")
	}

	if n := accepted.Load(); n != 1 {
		t.Fatalf("accepted = %d, want 1", n)
	}
}
