package listener

import (
	"crypto/tls"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// CertWatcher hot-reloads a TLS certificate/key pair when either file
// changes on disk, so an operator can rotate a certificate without
// restarting the process. ACME issuance/renewal stays out of scope; this
// only reacts to files already written by whatever issues them. The
// debounce pattern is the same one the teacher uses for Python source
// reloading, adapted here to watch two files instead of a source tree.
type CertWatcher struct {
	mu       sync.RWMutex
	cert     tls.Certificate
	certFile string
	keyFile  string
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	logger   *zap.Logger
}

// NewCertWatcher loads the initial certificate pair and starts watching
// both files for changes.
func NewCertWatcher(certFile, keyFile string, logger *zap.Logger) (*CertWatcher, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := watcher.Add(dir); err != nil {
			logger.Warn("certwatch: failed to watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	w := &CertWatcher{
		cert:     cert,
		certFile: certFile,
		keyFile:  keyFile,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
	go w.watch()
	return w, nil
}

// GetCertificate implements tls.Config.GetCertificate, always returning the
// most recently loaded certificate.
func (w *CertWatcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cert := w.cert
	return &cert, nil
}

// Close stops the watcher.
func (w *CertWatcher) Close() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *CertWatcher) watch() {
	var debounceTimer *time.Timer
	const debounceDuration = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.certFile && event.Name != w.keyFile {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("certwatch: watcher error", zap.Error(err))
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *CertWatcher) reload() {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		w.logger.Error("certwatch: failed to reload certificate", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.cert = cert
	w.mu.Unlock()
	w.logger.Info("certwatch: reloaded TLS certificate", zap.String("cert_file", w.certFile))
}
