// Package pgmflow tracks semiconductor test program distributions from the
// vendor portal to the production floor: intake, download, verification,
// apply and turnaround alarms, all coordinated through a shared store.
package pgmflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loykin/pgmflow/internal/applytarget"
	"github.com/loykin/pgmflow/internal/auth"
	"github.com/loykin/pgmflow/internal/config"
	"github.com/loykin/pgmflow/internal/history"
	historyfactory "github.com/loykin/pgmflow/internal/history/factory"
	"github.com/loykin/pgmflow/internal/logger"
	"github.com/loykin/pgmflow/internal/metrics"
	"github.com/loykin/pgmflow/internal/oms"
	"github.com/loykin/pgmflow/internal/scheduler"
	"github.com/loykin/pgmflow/internal/server"
	"github.com/loykin/pgmflow/internal/stage"
	"github.com/loykin/pgmflow/internal/store"
	storefactory "github.com/loykin/pgmflow/internal/store/factory"
	tlsutil "github.com/loykin/pgmflow/internal/tls"
	"github.com/loykin/pgmflow/internal/verify"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.FileConfig

type Program = store.Program

type ProgramFilter = store.ProgramFilter

type Status = store.Status

type HistorySink = history.Sink

// LoadConfig reads, defaults and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewLogger builds the process logger from the config's log section.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg.Log == nil {
		l, _ := logger.New(logger.Config{})
		return l
	}
	l, _ := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Color:      cfg.Log.Color,
	})
	return l
}

// Pipeline owns the store, the vendor client, the stage scheduler and the
// optional operator API. Build one with New, then Start it.
type Pipeline struct {
	cfg       *config.FileConfig
	logger    *slog.Logger
	st        store.Store
	sink      history.Sink
	sched     *scheduler.Scheduler
	authSvc   *auth.Service
	authStore auth.Store
	router    *server.Router
	httpSrv   *http.Server
}

// New wires a Pipeline from the config. Nothing runs until Start.
func New(cfg *config.FileConfig, log *slog.Logger) (*Pipeline, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg)
	}

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var sink history.Sink
	if cfg.History.Enabled && len(cfg.History.DSNs) > 0 {
		var multi history.Multi
		for _, dsn := range cfg.History.DSNs {
			s, err := historyfactory.NewSinkFromDSN(dsn)
			if err != nil {
				return nil, fmt.Errorf("history sink %s: %w", dsn, err)
			}
			multi = append(multi, s)
		}
		if len(multi) == 1 {
			sink = multi[0]
		} else {
			sink = multi
		}
	}

	session := oms.NewSession(oms.SessionConfig{
		BaseURL:  cfg.OMS.BaseURL,
		Username: cfg.OMS.Username,
		Password: cfg.OMS.Password,
		Timeout:  cfg.OMS.Timeout,
		Logger:   log,
	})
	api := oms.New(oms.Config{
		BaseURL:         cfg.OMS.BaseURL,
		Timeout:         cfg.OMS.Timeout,
		DownloadTimeout: cfg.OMS.DownloadTimeout,
		MaxRetries:      cfg.OMS.MaxRetries,
		RetryInterval:   cfg.OMS.RetryInterval,
		CacheTTL:        cfg.OMS.CacheTTL,
		WindowBack:      cfg.OMS.WindowBack,
		WindowForward:   cfg.OMS.WindowForward,
		Logger:          log,
	}, session)

	target, err := applytarget.NewDir(cfg.Apply.TargetDir)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg, logger: log, st: st, sink: sink}

	sched := scheduler.New(log)
	adds := []struct {
		st       stage.Stage
		schedule string
	}{
		{stage.NewIntake(st, api, log), cfg.Schedules.Intake},
		{stage.NewDownload(st, api, cfg.Download.Root, sink, log), cfg.Schedules.Download},
		{stage.NewVerify(st, verify.NewEngine(verify.DefaultConfig()), sink, log), cfg.Schedules.Verify},
		{stage.NewApply(st, target, sink, log), cfg.Schedules.Apply},
		{stage.NewMonitor(st, sink, log), cfg.Schedules.Monitor},
		{stage.NewTAT(st, cfg.Thresholds(), sink, log), cfg.Schedules.TAT},
	}
	for _, a := range adds {
		if err := sched.Add(a.st, a.schedule); err != nil {
			return nil, err
		}
	}
	// Retention stays reachable as a one-shot even when its sweep loop is
	// off, so an operator can purge on demand.
	ret := stage.NewRetention(st, cfg.Retention.KeepFor, log)
	if cfg.Retention.Enabled {
		if err := sched.Add(ret, "@every "+cfg.Retention.SweepEach.String()); err != nil {
			return nil, err
		}
	} else if err := sched.AddManual(ret); err != nil {
		return nil, err
	}
	p.sched = sched

	if cfg.Server.Enabled {
		if cfg.Server.AuthEnabled {
			authStore, err := auth.NewSQLiteStore(cfg.Server.AuthDSN)
			if err != nil {
				return nil, err
			}
			svc, err := auth.NewService(authStore, auth.ServiceConfig{
				JWTSecret: cfg.Server.JWTSecret,
				TokenTTL:  cfg.Server.TokenTTL,
			})
			if err != nil {
				return nil, err
			}
			p.authSvc = svc
			p.authStore = authStore
		}
		p.router = server.NewRouter(st, p.authSvc, cfg.Server.AuthEnabled, sink, cfg.Server.BasePath)
	}

	return p, nil
}

// Start ensures the schema, registers metrics and launches the stage loops
// and, when configured, the HTTP server.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if p.authStore != nil {
		if err := p.authStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure auth schema: %w", err)
		}
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := p.sched.Start(ctx); err != nil {
		return err
	}
	if p.router != nil {
		tlsConfig, err := tlsutil.Setup(p.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("server tls: %w", err)
		}
		p.httpSrv = server.NewServer(p.cfg.Server.Listen, p.router, tlsConfig)
		p.logger.Info("operator API listening",
			"addr", p.cfg.Server.Listen, "base", p.cfg.Server.BasePath, "tls", tlsConfig != nil)
	}
	return nil
}

// RunStage executes a single pass of one stage by name, outside the tick
// loop. Used by the CLI's run subcommand.
func (p *Pipeline) RunStage(ctx context.Context, name string) error {
	if err := p.st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return p.sched.RunOnce(ctx, name)
}

// Handler returns the operator API handler for embedding in another mux.
// Nil when the server section is disabled.
func (p *Pipeline) Handler() http.Handler {
	if p.router == nil {
		return nil
	}
	return p.router.Handler()
}

// Store exposes the lifecycle store for embedding callers.
func (p *Pipeline) Store() store.Store { return p.st }

// Auth exposes the auth service, nil when auth is disabled.
func (p *Pipeline) Auth() *auth.Service { return p.authSvc }

// Stop shuts down the stage loops and the HTTP server, then closes the store.
func (p *Pipeline) Stop() {
	p.sched.Stop()
	if p.httpSrv != nil {
		_ = p.httpSrv.Close()
	}
	if p.authSvc != nil {
		_ = p.authSvc.Close()
	}
	_ = p.st.Close()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
