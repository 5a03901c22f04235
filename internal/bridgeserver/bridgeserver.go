// Package bridgeserver exposes the bridge endpoint over HTTP: the websocket
// bridge endpoints attach to, a health check, the relay state view and
// optionally the Prometheus metrics.
package bridgeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/philsphicas/rpcbridge/internal/metrics"
	"github.com/philsphicas/rpcbridge/internal/router"
)

// DefaultAddr is where bridge endpoints expect the relay.
const DefaultAddr = "127.0.0.1:1337"

// Source labels bridges attached through this server.
const Source = "local"

// Router is the part of the router the HTTP surface needs.
type Router interface {
	ServeBridge(ctx context.Context, ws *websocket.Conn, source string) error
	State() router.State
}

// Config holds the configuration for the bridge HTTP server.
type Config struct {
	Addr    string   // listen address (default DefaultAddr)
	Origins []string // allowed origins, e.g. "https://discord.com" or "*"; empty allows same-host only
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; mounts /metrics when set
}

// Handler returns the HTTP handler serving rt.
func Handler(cfg Config, rt Router) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			OriginPatterns: originHosts(cfg.Origins),
		})
		if err != nil {
			cfg.Metrics.BridgeError(Source, "accept_failed")
			cfg.Logger.Warn("bridge websocket accept failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		cfg.Logger.Info("bridge connected", "remote", req.RemoteAddr, "origin", req.Header.Get("Origin"))
		if err := rt.ServeBridge(req.Context(), ws, Source); err != nil {
			cfg.Logger.Warn("bridge connection ended", "remote", req.RemoteAddr, "error", err)
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Group(func(g chi.Router) {
		if len(cfg.Origins) > 0 {
			g.Use(cors.Handler(cors.Options{
				AllowedOrigins: cfg.Origins,
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			}))
		}
		g.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(rt.State())
		})
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	return r
}

// Serve serves the bridge HTTP surface on ln until ctx is cancelled.
// Requests, including attached bridges, see a context cancelled with ctx.
func Serve(ctx context.Context, ln net.Listener, cfg Config, rt Router) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// Hijacked websocket handlers outlive srv.Shutdown; active tracks them
	// so attached bridges finish flushing before Serve returns.
	var active sync.WaitGroup
	h := Handler(cfg, rt)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			active.Add(1)
			defer active.Done()
			h.ServeHTTP(w, req)
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	cfg.Logger.Info("bridge server listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
		active.Wait()
	}
	return nil
}

// ListenAndServe listens on cfg.Addr and calls Serve.
func ListenAndServe(ctx context.Context, cfg Config, rt Router) error {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, ln, cfg, rt)
}

// originHosts converts origins to the host patterns websocket.Accept matches.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Scheme != "" && u.Host != "" {
			o = u.Host
		}
		hosts = append(hosts, o)
	}
	return hosts
}
