// Package server assembles the HTTP server for the oauth-relay service.
package server

import (
	"net/http"
	"time"

	"github.com/txn2/oauth-relay/pkg/relay"
)

// Version is set at build time.
var Version = "dev"

// New builds the relay and the http.Server that fronts it.
func New(cfg *relay.Config) (*http.Server, *relay.Relay, error) {
	rly, err := relay.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           rly.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, rly, nil
}

// NewWithConfigFile loads configuration from path and builds the server.
func NewWithConfigFile(path string) (*http.Server, *relay.Relay, error) {
	cfg, err := relay.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	return New(cfg)
}
