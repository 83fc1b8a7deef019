package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kanal-io/kanal/internal/logging"
)

// TLSConfig holds TLS configuration for a listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// CertReloader manages TLS certificate reloading without a listener restart.
// It watches the certificate files for changes and atomically swaps the
// certificate used for new handshakes.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	logger   *logging.Logger
	mu       sync.RWMutex
	lastMod  time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCertReloader loads the initial certificate pair and returns a reloader
// for it.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := r.loadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}

	return r, nil
}

func (r *CertReloader) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate pair: %w", err)
	}

	r.cert.Store(&cert)
	r.logger.Infof("TLS certificate loaded", map[string]any{
		"certFile": r.certFile,
		"keyFile":  r.keyFile,
	})

	return nil
}

// GetCertificate returns the current certificate for use in TLS handshakes.
// This implements the tls.Config GetCertificate callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}

// Reload attempts to reload the certificate from disk. Handshakes in flight
// keep the certificate they started with.
func (r *CertReloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldCert := r.cert.Load()
	if err := r.loadCertificate(); err != nil {
		r.logger.Errorf("failed to reload certificate", map[string]any{"error": err.Error()})
		return err
	}

	if oldCert != nil {
		r.logger.Info("TLS certificate reloaded")
	}
	return nil
}

// StartWatcher starts a background goroutine that checks the certificate
// files' modification times periodically and reloads on change.
func (r *CertReloader) StartWatcher(checkInterval time.Duration) {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if r.shouldReload() {
					if err := r.Reload(); err != nil {
						r.logger.Warnf("certificate reload failed", map[string]any{"error": err.Error()})
					}
				}
			}
		}
	}()

	r.logger.Infof("certificate watcher started", map[string]any{"interval": checkInterval.String()})
}

func (r *CertReloader) shouldReload() bool {
	r.mu.RLock()
	lastMod := r.lastMod
	r.mu.RUnlock()

	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return false
	}

	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return false
	}

	latestMod := certInfo.ModTime()
	if keyInfo.ModTime().After(latestMod) {
		latestMod = keyInfo.ModTime()
	}

	if latestMod.After(lastMod) {
		r.mu.Lock()
		r.lastMod = latestMod
		r.mu.Unlock()
		return true
	}

	return false
}

// Stop stops the certificate watcher goroutine.
func (r *CertReloader) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// NewTLSListener creates a TLS listener with hot-reloadable certificates.
func NewTLSListener(addr string, tlsCfg TLSConfig, logger *logging.Logger) (net.Listener, *CertReloader, error) {
	if !tlsCfg.Enabled {
		return nil, nil, errors.New("TLS is not enabled")
	}

	if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
		return nil, nil, errors.New("certificate and key files are required")
	}

	reloader, err := NewCertReloader(tlsCfg.CertFile, tlsCfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}

	config := &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return tls.NewListener(ln, config), reloader, nil
}
