package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kanal-io/kanal/internal/channel"
)

func generateTestCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	certFile, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("failed to create cert file: %v", err)
	}
	pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	certFile.Close()

	keyPath = filepath.Join(dir, "key.pem")
	keyFile, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("failed to create key file: %v", err)
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	keyFile.Close()

	return certPath, keyPath
}

func TestCertReloaderLoad(t *testing.T) {
	certPath, keyPath := generateTestCert(t, t.TempDir())

	reloader, err := NewCertReloader(certPath, keyPath, quietLogger())
	if err != nil {
		t.Fatalf("NewCertReloader failed: %v", err)
	}

	cert, err := reloader.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate should not be nil")
	}
}

func TestCertReloaderReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateTestCert(t, dir)

	reloader, err := NewCertReloader(certPath, keyPath, quietLogger())
	if err != nil {
		t.Fatalf("NewCertReloader failed: %v", err)
	}

	cert1, err := reloader.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}

	// Regenerate at the same paths, then reload.
	generateTestCert(t, dir)
	if err := reloader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cert2, err := reloader.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate after reload failed: %v", err)
	}
	if cert1 == cert2 {
		t.Error("certificate did not change after reload")
	}
}

func TestServeOverTLS(t *testing.T) {
	certPath, keyPath := generateTestCert(t, t.TempDir())

	cfg := DefaultConfig()
	cfg.ListenerName = "SSL"
	cfg.TLS = TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath}
	handler := &recordingHandler{}
	_, addr := startServer(t, cfg, handler)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("TLS dial failed: %v", err)
	}
	defer conn.Close()

	header := &channel.RequestHeader{APIKey: 3, APIVersion: 1, CorrelationID: 33, ClientID: "tls-client"}
	writeFramedRequest(t, conn, header, kmsg.NewPtrMetadataRequest())

	response, err := readFrame(conn)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if got := int32(binary.BigEndian.Uint32(response[:4])); got != 33 {
		t.Errorf("correlation id = %d, want 33", got)
	}

	requests := handler.getRequests()
	if len(requests) != 1 {
		t.Fatalf("handler saw %d requests, want 1", len(requests))
	}
	if requests[0].Context.SecurityProtocol != "SSL" {
		t.Errorf("security protocol = %q, want SSL", requests[0].Context.SecurityProtocol)
	}
}
