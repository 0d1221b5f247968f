// Package mtls builds client-side mutual-TLS configuration for the
// artifact-type registry client, reloading certificates from disk when
// they rotate so a long scan doesn't need a restart to pick up renewed
// credentials.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TLSConfig names the credential files for one mTLS client identity.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string

	// EnableAutoReload watches the three files and reloads on change;
	// ReloadInterval adds a periodic reload as a backstop for missed
	// filesystem events (default 5m when unset).
	EnableAutoReload bool
	ReloadInterval   time.Duration
}

// defaultReloadInterval is the periodic reload backstop.
const defaultReloadInterval = 5 * time.Minute

// renewalWarningWindow is how close to expiry a certificate gets before
// ValidateCertificate starts warning.
const renewalWarningWindow = 7 * 24 * time.Hour

// Client holds a reloadable client TLS configuration.
type Client struct {
	files TLSConfig

	mu        sync.RWMutex
	tlsConfig *tls.Config

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// NewClient loads the credential files and, when auto-reload is
// enabled, starts watching them for rotation.
func NewClient(cfg *TLSConfig) (*Client, error) {
	c := &Client{files: *cfg, stopChan: make(chan struct{})}
	if c.files.ReloadInterval <= 0 {
		c.files.ReloadInterval = defaultReloadInterval
	}

	if err := c.reload(); err != nil {
		return nil, err
	}
	if c.files.EnableAutoReload {
		if err := c.watch(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetTLSConfig returns a clone of the current TLS configuration, safe
// to hand to an http.Transport while reloads continue in the
// background.
func (c *Client) GetTLSConfig() *tls.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tlsConfig.Clone()
}

// reload reads the three credential files and swaps in a fresh client
// TLS configuration.
func (c *Client) reload() error {
	cert, err := tls.LoadX509KeyPair(c.files.CertFile, c.files.KeyFile)
	if err != nil {
		return fmt.Errorf("mtls: load client key pair: %w", err)
	}
	caPEM, err := os.ReadFile(c.files.CAFile)
	if err != nil {
		return fmt.Errorf("mtls: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("mtls: CA file %s holds no parseable certificate", c.files.CAFile)
	}

	c.mu.Lock()
	c.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
	c.mu.Unlock()
	return nil
}

// watch starts the fsnotify watcher over the credential files plus a
// periodic reload ticker, reloading on write/create events.
func (c *Client) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mtls: create watcher: %w", err)
	}
	for _, f := range []string{c.files.CertFile, c.files.KeyFile, c.files.CAFile} {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return fmt.Errorf("mtls: watch %s: %w", f, err)
		}
	}
	c.watcher = watcher

	go func() {
		ticker := time.NewTicker(c.files.ReloadInterval)
		defer ticker.Stop()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				log.Printf("mtls: credential file %s changed, reloading", event.Name)
				if err := c.reload(); err != nil {
					log.Printf("mtls: reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("mtls: watcher error: %v", err)
			case <-ticker.C:
				if err := c.reload(); err != nil {
					log.Printf("mtls: periodic reload failed: %v", err)
				}
			case <-c.stopChan:
				return
			}
		}
	}()
	return nil
}

// Close stops the reload watcher.
func (c *Client) Close() error {
	close(c.stopChan)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// ValidateCertificate reports whether the loaded client certificate is
// currently within its validity period, logging a warning when it is
// within a week of expiry.
func (c *Client) ValidateCertificate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.tlsConfig == nil || len(c.tlsConfig.Certificates) == 0 || len(c.tlsConfig.Certificates[0].Certificate) == 0 {
		return fmt.Errorf("mtls: no certificate loaded")
	}
	leaf, err := x509.ParseCertificate(c.tlsConfig.Certificates[0].Certificate[0])
	if err != nil {
		return fmt.Errorf("mtls: parse certificate: %w", err)
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) {
		return fmt.Errorf("mtls: certificate not valid until %v", leaf.NotBefore)
	}
	if now.After(leaf.NotAfter) {
		return fmt.Errorf("mtls: certificate expired %v", leaf.NotAfter)
	}
	if now.Add(renewalWarningWindow).After(leaf.NotAfter) {
		log.Printf("mtls: certificate expires %v, renew soon", leaf.NotAfter)
	}
	return nil
}
