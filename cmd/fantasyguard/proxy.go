package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"fantasyguard/internal/config"
	"fantasyguard/internal/pipeline"
)

// guardedProxy forwards traffic to the upstream platform after the guard
// has admitted it.
type guardedProxy struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
}

func newGuardedProxy(cfg config.ProxyConfig, guard *pipeline.Guard, logger *slog.Logger) (*guardedProxy, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy upstream: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("proxy upstream %q must be an absolute URL", cfg.Upstream)
	}
	rp := httputil.NewSingleHostReverseProxy(upstream)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return &guardedProxy{addr: cfg.Addr, handler: guard.Middleware(rp), logger: logger}, nil
}

func (p *guardedProxy) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.addr,
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	p.logger.Info("guarded proxy listening", "addr", p.addr)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("proxy server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("proxy server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (p *guardedProxy) String() string {
	return "guarded-proxy"
}
