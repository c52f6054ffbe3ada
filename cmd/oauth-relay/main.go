// Package main provides the entry point for the oauth-relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/txn2/oauth-relay/internal/server"
	"github.com/txn2/oauth-relay/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	debug       bool
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Override server address")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("oauth-relay version %s\n", server.Version)
		return nil
	}

	if opts.debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if opts.configPath == "" {
		return errors.New("a configuration file is required (-config)")
	}

	cfg, err := relay.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	srv, rly, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx := setupSignalHandler()
	if err := rly.Start(ctx); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv, cfg.Server.TLS)
	}()

	slog.Info("oauth-relay listening", "address", cfg.Server.Address, "version", server.Version)

	select {
	case err := <-errCh:
		_ = rly.Close()
		return err
	case <-ctx.Done():
	}

	slog.Info("oauth-relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown failed", "error", err)
	}
	return rly.Stop(shutdownCtx)
}

func listen(srv *http.Server, tls relay.TLSConfig) error {
	var err error
	if tls.Enabled {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
