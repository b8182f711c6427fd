package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
)

// ReadToken returns the trimmed content of a token file.
func ReadToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// WatchToken reads the token at path, passes it to apply and keeps calling
// apply whenever the file is rewritten until ctx is done. The parent
// directory is watched so editors and secret mounts that replace the file
// are picked up too.
func WatchToken(ctx context.Context, path string, apply func(token string)) error {
	tok, err := ReadToken(path)
	if err != nil {
		return err
	}
	apply(tok)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)
	go func() {
		defer w.Close()
		last := tok
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := ReadToken(path)
				if err != nil {
					logx.Log.Warn().Err(err).Str("path", path).Msg("token file unreadable; keeping previous token")
					continue
				}
				// an empty read is usually a truncate-then-write in progress
				if next == "" || next == last {
					continue
				}
				last = next
				logx.Log.Info().Str("path", path).Msg("worker auth token reloaded")
				apply(next)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logx.Log.Warn().Err(err).Str("path", path).Msg("token watcher error")
			}
		}
	}()
	return nil
}
