package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 15 * time.Second

// Serve runs the HTTP server on addr until ctx is cancelled, then drains
// in-flight requests. The PG-wire listener and the budget renewer run
// alongside when configured.
func (a *App) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	routerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	validator, err := Validator(ctx, a.cfg.Auth)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("configure authentication: %w", err)
	}
	handler := a.Router(routerCtx, validator)

	pg, err := a.PGWire(validator)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if pg != nil {
		if err := pg.Start(); err != nil {
			_ = ln.Close()
			return err
		}
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer stop()
			if err := pg.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("pgwire shutdown", "error", err)
			}
		}()
	}

	renewer, err := a.Renewer()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("budget reset schedule: %w", err)
	}
	if renewer != nil {
		defer renewer.Stop()
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
