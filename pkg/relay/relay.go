package relay

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	// Postgres driver, registered for database/sql.
	_ "github.com/lib/pq"

	"github.com/txn2/oauth-relay/pkg/audit"
	auditpg "github.com/txn2/oauth-relay/pkg/audit/postgres"
	"github.com/txn2/oauth-relay/pkg/callback"
	"github.com/txn2/oauth-relay/pkg/database/migrate"
	"github.com/txn2/oauth-relay/pkg/handoff"
	handoffpg "github.com/txn2/oauth-relay/pkg/handoff/postgres"
	"github.com/txn2/oauth-relay/pkg/health"
)

// Relay owns the handoff store and the HTTP surface built on it.
type Relay struct {
	cfg    *Config
	store  handoff.Store
	audit  audit.Logger
	db     *sql.DB
	health *health.Checker
	mux    *http.ServeMux
	lc     *Lifecycle
}

// sweeper is implemented by stores with a background expiry sweep.
type sweeper interface {
	StartCleanupRoutine(interval time.Duration)
}

// New builds a relay from configuration: store backend, audit logger,
// callback and polling handlers, health probes.
func New(cfg *Config) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:    cfg,
		health: health.NewChecker(),
		mux:    http.NewServeMux(),
		lc:     NewLifecycle(),
	}

	if cfg.Sessions.Backend == BackendPostgres {
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		r.db = db
		r.lc.Register(Hook{
			Name: "database",
			Stop: func(context.Context) error { return db.Close() },
		})
	}

	r.store = r.buildStore()
	r.lc.Register(Hook{
		Name: "handoff store",
		Start: func(context.Context) error {
			if s, ok := r.store.(sweeper); ok {
				s.StartCleanupRoutine(cfg.Sessions.CleanupInterval)
			}
			return nil
		},
		Stop: func(context.Context) error { return r.store.Close() },
	})

	r.audit = r.buildAuditLogger()
	r.lc.Register(Hook{
		Name: "audit logger",
		Start: func(context.Context) error {
			if s, ok := r.audit.(*auditpg.Store); ok {
				s.StartRetentionRoutine(time.Hour)
			}
			return nil
		},
		Stop: func(context.Context) error { return r.audit.Close() },
	})

	r.lc.Register(Hook{
		Name: "readiness",
		Start: func(context.Context) error {
			r.health.MarkReady()
			return nil
		},
		Stop: func(context.Context) error {
			r.health.MarkDraining()
			return nil
		},
	})

	r.routes()
	return r, nil
}

// openDatabase connects to Postgres and applies pending migrations.
func openDatabase(cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

func (r *Relay) buildStore() handoff.Store {
	if r.db != nil {
		return handoffpg.New(r.db, handoffpg.Config{TTL: r.cfg.Sessions.TTL})
	}
	return handoff.NewMemoryStore(r.cfg.Sessions.TTL)
}

func (r *Relay) buildAuditLogger() audit.Logger {
	if !r.cfg.Audit.Enabled {
		return audit.NewNopLogger()
	}
	if r.db != nil {
		return auditpg.New(r.db, auditpg.Config{RetentionDays: r.cfg.Audit.RetentionDays})
	}
	return audit.NewMemoryLogger(r.cfg.Audit.MaxEvents)
}

func (r *Relay) routes() {
	exchanger := callback.NewOIDCExchanger(callback.OIDCConfig{
		AuthURL:      r.cfg.Provider.AuthURL,
		TokenURL:     r.cfg.Provider.TokenURL,
		UserInfoURL:  r.cfg.Provider.UserInfoURL,
		ClientID:     r.cfg.Provider.ClientID,
		ClientSecret: r.cfg.Provider.ClientSecret,
		RedirectURL:  r.cfg.Provider.RedirectURL,
		Scopes:       r.cfg.Provider.Scopes,
	})

	r.mux.Handle("/session", handoff.NewHandler(handoff.HandlerConfig{
		Store: r.store,
		Audit: r.audit,
	}))
	r.mux.Handle("/callback", callback.NewHandler(callback.HandlerConfig{
		Store:      r.store,
		Exchanger:  exchanger,
		SuccessURL: r.cfg.Pages.SuccessURL,
		ErrorURL:   r.cfg.Pages.ErrorURL,
		Audit:      r.audit,
	}))
	r.mux.HandleFunc("/healthz", r.health.LivenessHandler())
	r.mux.HandleFunc("/readyz", r.health.ReadinessHandler())

	if r.cfg.Audit.Enabled && r.cfg.Audit.AdminKeyHash != "" {
		r.mux.Handle("/audit/events", audit.NewHandler(audit.HandlerConfig{
			Logger:       r.audit,
			AdminKeyHash: r.cfg.Audit.AdminKeyHash,
		}))
	}
}

// Handler returns the relay's HTTP surface.
func (r *Relay) Handler() http.Handler {
	return r.mux
}

// Store returns the handoff store. Exposed for tests.
func (r *Relay) Store() handoff.Store {
	return r.store
}

// Start brings up background routines and marks the relay ready.
func (r *Relay) Start(ctx context.Context) error {
	return r.lc.Start(ctx)
}

// Stop drains readiness and shuts components down in reverse order.
func (r *Relay) Stop(ctx context.Context) error {
	return r.lc.Stop(ctx)
}

// Close stops the relay without a deadline.
func (r *Relay) Close() error {
	return r.Stop(context.Background())
}
