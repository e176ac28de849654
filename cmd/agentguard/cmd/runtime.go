package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	auditfile "github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/agentguard/internal/config"
	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
	"github.com/Sentinel-Gate/agentguard/internal/service"
)

// app is everything a command needs, wired from the process configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	source   *config.DirSource
	registry *service.Registry
	auditSvc *service.AuditService
	query    audit.QueryStore
	history  audit.HistoryStore
	sqlite   map[string]*sqlite.Store
	promReg  *prometheus.Registry
	metrics  *service.Metrics

	shutdownTelemetry func(context.Context) error
	closers           []func() error
}

// openApp loads the configuration and wires stores and services. Logs,
// telemetry and "stdout" audit records go to errOut so command output
// stays machine readable.
func openApp(ctx context.Context, errOut io.Writer) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, errOut)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Debug("loaded config", "file", file)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		source:  config.NewDirSource(cfg.PolicyDir),
		sqlite:  make(map[string]*sqlite.Store),
		promReg: prometheus.NewRegistry(),
	}
	a.metrics = service.NewMetrics(a.promReg)

	if a.shutdownTelemetry, err = setupTelemetry(cfg.Tracing, errOut); err != nil {
		return nil, err
	}

	if err := a.openAudit(ctx, errOut); err != nil {
		a.Close()
		return nil, err
	}
	repos, err := a.repositoryFactory(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.history == nil {
		a.history = memory.NewHistoryStore()
	}
	limit, err := cfg.Approvals.RateLimit.Limit()
	if err != nil {
		a.Close()
		return nil, err
	}
	limiter := memory.NewRateLimiter(time.Hour, logger)
	limiter.StartCleanup(ctx)
	a.closers = append(a.closers, func() error { limiter.Stop(); return nil })

	a.registry = service.NewRegistry(a.source, logger,
		service.WithHistoryStore(a.history),
		service.WithRepositoryFactory(repos),
		service.WithRegistryMetrics(a.metrics),
		service.WithPolicyOptions(
			service.WithAuditRecorder(a.auditSvc),
			service.WithPolicyMetrics(a.metrics),
			service.WithCacheSize(cfg.Cache.MaxEntries),
		),
		service.WithApprovalOptions(
			service.WithNotifier(service.LogNotifier{Logger: logger}),
			service.WithCompletionHandler(service.LogCompletion{Logger: logger}),
			service.WithApprovalMetrics(a.metrics),
			service.WithRequestLimit(limiter, limit),
		),
	)
	return a, nil
}

func (a *app) openAudit(ctx context.Context, stream io.Writer) error {
	flush, send, err := a.cfg.Audit.Durations()
	if err != nil {
		return err
	}

	var store audit.Store
	scheme, path := a.cfg.Audit.AuditTarget()
	switch scheme {
	case "stdout":
		s := memory.NewAuditStoreWithWriter(stream, a.cfg.Audit.BufferSize)
		store, a.query = s, s
	case "file":
		s, err := auditfile.NewFileStore(auditfile.FileConfig{
			Dir:           path,
			RetentionDays: a.cfg.Audit.RetentionDays,
			MaxFileSizeMB: a.cfg.Audit.MaxFileSizeMB,
			CacheSize:     a.cfg.Audit.BufferSize,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("open audit dir: %w", err)
		}
		store, a.query = s, s
		a.closers = append(a.closers, s.Close)
	case "sqlite":
		s, err := a.openSQLite(ctx, path)
		if err != nil {
			return err
		}
		store, a.query, a.history = s, s, s
	default:
		return fmt.Errorf("invalid audit output: %s", a.cfg.Audit.Output)
	}

	a.auditSvc = service.NewAuditService(store, a.logger,
		service.WithChannelSize(a.cfg.Audit.ChannelSize),
		service.WithBatchSize(a.cfg.Audit.BatchSize),
		service.WithFlushInterval(flush),
		service.WithSendTimeout(send),
		service.WithWarningThreshold(a.cfg.Audit.WarningThreshold),
		service.WithAuditMetrics(a.metrics),
	)
	a.auditSvc.Start(ctx)
	a.logger.Debug("audit output configured", "output", a.cfg.Audit.Output)
	return nil
}

func (a *app) repositoryFactory(ctx context.Context) (service.RepositoryFactory, error) {
	switch a.cfg.Approvals.Store {
	case config.StoreFile:
		dir := a.cfg.Approvals.Path
		return func(tenant string) (approval.Repository, error) {
			return state.NewApprovalStore(filepath.Join(dir, tenant+"-approvals.json"), a.logger)
		}, nil
	case config.StoreSQLite:
		s, err := a.openSQLite(ctx, a.cfg.Approvals.Path)
		if err != nil {
			return nil, err
		}
		a.history = s
		return func(tenant string) (approval.Repository, error) {
			return s.ForTenant(tenant), nil
		}, nil
	default:
		return func(string) (approval.Repository, error) {
			return memory.NewApprovalStore(), nil
		}, nil
	}
}

// openSQLite opens each database path once.
func (a *app) openSQLite(ctx context.Context, path string) (*sqlite.Store, error) {
	key := filepath.Clean(path)
	if s, ok := a.sqlite[key]; ok {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(key), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	s, err := sqlite.Open(ctx, key, a.logger)
	if err != nil {
		return nil, err
	}
	a.sqlite[key] = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

// tenantID resolves --tenant against the configured default.
func (a *app) tenantID() string {
	if tenantFlag != "" {
		return service.NormalizeTenant(tenantFlag)
	}
	return service.NormalizeTenant(a.cfg.DefaultTenant)
}

// tenant loads the selected tenant's services.
func (a *app) tenant(ctx context.Context) (*service.Tenant, error) {
	return a.registry.Get(ctx, a.tenantID())
}

// Close stops services, flushes audit records and closes stores.
func (a *app) Close() {
	if a.registry != nil {
		a.registry.Close()
	}
	if a.auditSvc != nil {
		a.auditSvc.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdownTelemetry(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
