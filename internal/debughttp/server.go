// Package debughttp serves the agent's local diagnostics: pprof and a JSON
// snapshot of the tracking state.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Snapshot returns the value served at /debug/tracking. It must be safe to
// call from any goroutine.
type Snapshot func(ctx context.Context) any

// Start serves diagnostics on addr until ctx is canceled. An empty addr
// disables the server. It returns once the listener is bound so address
// conflicts fail fast.
func Start(ctx context.Context, addr string, snapshot Snapshot, log *slog.Logger) (net.Addr, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           newMux(snapshot),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if log != nil {
			log.Info("diagnostics listening", "addr", ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("diagnostics server error", "err", err)
		}
	}()
	return ln.Addr(), nil
}

func newMux(snapshot Snapshot) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	if snapshot != nil {
		mux.HandleFunc("GET /debug/tracking", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(snapshot(r.Context()))
		})
	}
	return mux
}
