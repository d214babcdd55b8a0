// Package main runs the duckdp HTTP server, and the PG-wire listener when
// configured, from the environment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"duckdp/internal/app"
	"duckdp/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file (if present)
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Deps{Cfg: cfg, Logger: logger})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close() //nolint:errcheck

	sample := "SELECT COUNT(*) AS n FROM " + a.Table.QualifiedName()
	logger.Info("ready",
		"try", fmt.Sprintf(`curl -X POST http://%s/v1/query -d '{"sql": "%s"}'`,
			reachableAddr(cfg.ListenAddr, "8080"), sample))
	if cfg.PGWireAddr != "" {
		host, port, _ := net.SplitHostPort(reachableAddr(cfg.PGWireAddr, "5432"))
		logger.Info("ready", "try", fmt.Sprintf(`psql "host=%s port=%s user=duckdp sslmode=disable" -c '%s'`, host, port, sample))
	}
	if err := a.Serve(ctx, cfg.ListenAddr); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

// reachableAddr turns a listen address into one a local client can dial,
// for the startup hints.
func reachableAddr(listenAddr, defaultPort string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return net.JoinHostPort("localhost", defaultPort)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
