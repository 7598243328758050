package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Listener serves a handler until its context is cancelled. It is a
// supervisor worker.
type Listener struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger

	// ready receives the bound address once listening; tests use it with ":0".
	ready chan string
}

// NewListener creates a Listener for addr.
func NewListener(addr string, handler http.Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{addr: addr, handler: handler, logger: logger, ready: make(chan string, 1)}
}

// Name identifies the worker.
func (l *Listener) Name() string {
	return "http"
}

// Ready returns a channel that yields the bound address.
func (l *Listener) Ready() <-chan string {
	return l.ready
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	srv := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	select {
	case l.ready <- ln.Addr().String():
	default:
	}
	l.logger.Info("http server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.logger.Warn("http shutdown", "error", err)
		}
		return nil
	}
}
