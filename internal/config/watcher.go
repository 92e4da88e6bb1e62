package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredentialsReceiver accepts credential updates. The broker's auth view
// implements this.
type CredentialsReceiver interface {
	SetCredentials(c Credentials)
}

// WatchCredentials loads the credentials file, delivers it to rcv, and then
// watches it for changes, re-delivering on every rewrite until ctx is done.
// The parent directory is watched rather than the file itself so that
// atomic-rename updates (the common editor and configmap behavior) are seen.
func WatchCredentials(ctx context.Context, path string, rcv CredentialsReceiver, l *slog.Logger) error {
	creds, err := LoadCredentialsFile(path)
	if err != nil {
		return fmt.Errorf("initial credentials load: %w", err)
	}
	rcv.SetCredentials(creds)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credentials watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	l.Info("watching credentials file", "path", path)
	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		var lastApply time.Time
		for {
			select {
			case <-ctx.Done():
				l.Info("stop watching credentials file", "path", path)
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Writers often produce event bursts; collapse anything inside
				// a short window into one reload.
				if time.Since(lastApply) < 100*time.Millisecond {
					continue
				}
				creds, err := LoadCredentialsFile(path)
				if err != nil {
					// Keep the previous credentials on a bad intermediate state.
					l.Warn("credentials reload failed", "path", path, "error", err)
					continue
				}
				lastApply = time.Now()
				rcv.SetCredentials(creds)
				l.Info("credentials reloaded",
					"connectors", len(creds.Connectors), "api_keys", len(creds.APIKeys))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.Warn("credentials watcher error", "error", err)
			}
		}
	}()
	return nil
}
