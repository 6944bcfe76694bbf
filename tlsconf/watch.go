package tlsconf

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDelay coalesces the separate write events a renewal produces for
// the certificate and key files.
const reloadDelay = 500 * time.Millisecond

type reloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
}

// Watch loads the keypair and returns a config whose GetCertificate always
// serves the latest version from disk. The watcher stops when ctx is done.
func Watch(ctx context.Context, certFile, keyFile string) (*tls.Config, error) {
	r := &reloader{certFile: certFile, keyFile: keyFile}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify watcher: %w", err)
	}
	// Watch the directories, not the files: renewals replace files, and a
	// watch on the old inode would go stale.
	dirs := map[string]struct{}{
		filepath.Dir(certFile): {},
		filepath.Dir(keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	go r.run(ctx, watcher)

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return r.cert.Load(), nil
		},
	}, nil
}

func (r *reloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load tls keypair: %w", err)
	}
	r.cert.Store(&cert)
	return nil
}

func (r *reloader) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	certName := filepath.Base(r.certFile)
	keyName := filepath.Base(r.keyFile)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != certName && name != keyName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case <-timer.C:
			if err := r.reload(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"cert":     r.certFile,
					"error":    err,
				}).Warn("Certificate reload failed, keeping previous keypair")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"cert":     r.certFile,
			}).Info("TLS certificate reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err,
			}).Warn("Certificate watcher error")
		}
	}
}
