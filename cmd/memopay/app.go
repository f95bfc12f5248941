package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/ocx/memopay/internal/api"
	"github.com/ocx/memopay/internal/config"
	"github.com/ocx/memopay/internal/evidence"
	"github.com/ocx/memopay/internal/infra"
	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/session"
)

// common holds the flags every command accepts.
type common struct {
	configPath string
	listen     string
}

func newFlagSet(name string) (*pflag.FlagSet, *common) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "YAML config file")
	fs.StringVar(&c.listen, "listen", "", "serve the status API on this address")
	return fs, c
}

// app is the wired process: config, logging, metrics, ledger client and
// the session journal.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	client   *ledger.Client
	metrics  *session.Metrics
	journal  *evidence.Journal
	closers  []func() error
}

func newApp(ctx context.Context, c *common) (*app, error) {
	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.LoadConfig(c.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if c.listen != "" {
		cfg.Server.Addr = c.listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.LedgerOptions()
	opts.Logger = logger
	opts.Metrics = ledger.NewMetrics(reg)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		client:   ledger.NewClient(opts),
		metrics:  session.NewMetrics(reg),
	}

	store, err := a.openJournalStore(ctx)
	if err != nil {
		return nil, err
	}
	a.journal, err = evidence.NewJournal(ctx, store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

func (a *app) openJournalStore(ctx context.Context) (evidence.Store, error) {
	switch a.cfg.Journal.Backend {
	case "file":
		return evidence.NewFileStore(a.cfg.Journal.Path), nil
	case "postgres":
		ps, err := evidence.NewPostgresStore(ctx, a.cfg.Journal.PostgresURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ps.Close)
		return ps, nil
	default:
		return evidence.NewMemoryStore(a.cfg.Journal.MaxRecords), nil
	}
}

// cursorStore prefers Redis and falls back to memory when it is not
// configured or unreachable.
func (a *app) cursorStore() session.CursorStore {
	if a.cfg.Store.RedisAddr == "" {
		return infra.NewMemoryCursorStore()
	}
	rs, err := infra.NewRedisCursorStore(a.cfg.Store.RedisAddr, a.cfg.Store.RedisPassword, a.cfg.Store.RedisDB)
	if err != nil {
		a.logger.Warn("Redis unavailable, provider cursor kept in memory", "error", err)
		return infra.NewMemoryCursorStore()
	}
	a.closers = append(a.closers, rs.Close)
	return rs
}

func (a *app) sessionConfig() session.Config {
	sc := a.cfg.SessionOptions()
	sc.Logger = a.logger
	sc.Metrics = a.metrics
	return sc
}

// identity loads the keypair of role.
func (a *app) identity(role session.Role) (*ledger.Identity, error) {
	path := a.cfg.Keypairs.Requester
	if role == session.RoleProvider {
		path = a.cfg.Keypairs.Provider
	}
	return ledger.LoadIdentity(path)
}

// serve starts the status API in the background when an address is set.
func (a *app) serve(ctx context.Context, roles map[session.Role]api.StateSource) {
	if a.cfg.Server.Addr == "" {
		return
	}
	srv := api.NewServer(api.Options{
		Journal:  a.journal,
		Fetcher:  a.client,
		Gatherer: a.registry,
		Roles:    roles,
		Logger:   a.logger,

		InspectPerMinute: a.cfg.Server.InspectPerMinute,
	})
	go func() {
		if err := srv.Start(ctx, a.cfg.Server.Addr); err != nil {
			a.logger.Error("status API stopped", "error", err)
		}
	}()
}

// record journals a finished session. Journal failures are logged, never
// fatal: the ledger already holds the session.
func (a *app) record(ctx context.Context, res session.Result) {
	if _, err := a.journal.Record(context.WithoutCancel(ctx), res); err != nil {
		a.logger.Error("journal write failed", "session", res.SessionID, "error", err)
	}
}

func (a *app) Close() {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close failed", "error", err)
	}
}

func parseRole(s string) (session.Role, error) {
	switch session.Role(s) {
	case session.RoleRequester, session.RoleProvider:
		return session.Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q (want requester or provider)", s)
}
