package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gaspardpetit/nfrx-coord/sdk/base/auth"
)

// StartControlServer exposes GET /status and, when tokenPath is set, the
// loopback-only POST /control/drain and /control/shutdown endpoints guarded
// by the token stored in tokenPath. The token file is created if missing.
// shutdown may be nil.
func StartControlServer(ctx context.Context, addr, tokenPath string, a *Agent, shutdown func()) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.State())
	})
	if strings.TrimSpace(tokenPath) != "" {
		token, err := loadOrCreateToken(tokenPath)
		if err != nil {
			return "", err
		}
		guard := func(h http.HandlerFunc) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					w.WriteHeader(http.StatusMethodNotAllowed)
					return
				}
				host, _, _ := net.SplitHostPort(r.RemoteAddr)
				if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				if !auth.Equal(r.Header.Get("X-Auth-Token"), token) {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				h(w, r)
			}
		}
		mux.HandleFunc("/control/drain", guard(func(w http.ResponseWriter, r *http.Request) {
			reason := r.URL.Query().Get("reason")
			if reason == "" {
				reason = "local request"
			}
			a.Drain(reason)
			w.WriteHeader(http.StatusOK)
		}))
		mux.HandleFunc("/control/shutdown", guard(func(w http.ResponseWriter, r *http.Request) {
			if shutdown != nil {
				shutdown()
			}
			w.WriteHeader(http.StatusOK)
		}))
	}
	return serveUntil(ctx, addr, mux)
}

func loadOrCreateToken(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	tok := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
		return "", err
	}
	return tok, nil
}

// serveUntil serves handler on addr until ctx is done and returns the
// resolved address.
func serveUntil(ctx context.Context, addr string, handler http.Handler) (string, error) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String(), nil
}
