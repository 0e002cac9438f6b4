package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metaindex/internal/blob"
	"metaindex/internal/config"
	"metaindex/internal/core"
	"metaindex/internal/index"
	"metaindex/internal/printer"
	"metaindex/internal/repository"
	"metaindex/internal/repository/snapshot"
	"metaindex/plugins/hca"
)

// app holds the collaborators one command invocation works with.
type app struct {
	cfg     *config.Config
	printer *printer.Printer
	logger  core.Logger
	client  index.Client
	service *core.IndexService
	// stats is set when metrics are not exported over HTTP.
	stats   *core.ExpvarMetricsRecorder
	server  *http.Server
	closers []func() error

	repo   repository.Repository
	canned *repository.CannedRepository
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openApp(ctx context.Context, cfg *config.Config, p *printer.Printer, logOut io.Writer) (_ *app, retErr error) {
	a := &app{
		cfg:     cfg,
		printer: p,
		logger:  core.NewSlogLogger(newLogger(cfg.Log, logOut)),
	}
	defer func() {
		if retErr != nil {
			_ = a.Close()
		}
	}()

	client, err := index.Open(ctx, cfg.IndexConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", cfg.Index.Driver, err)
	}
	a.client = client
	a.closers = append(a.closers, client.Close)

	opts := []core.Option{core.WithLogger(a.logger)}
	if cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		recorder, err := core.NewPrometheusMetricsRecorder(registry)
		if err != nil {
			return nil, err
		}
		if err := a.serveMetrics(cfg.Metrics.Addr, registry); err != nil {
			return nil, err
		}
		opts = append(opts, core.WithMetricsRecorder(recorder))
	} else {
		a.stats = core.NewExpvarMetricsRecorder("")
		opts = append(opts, core.WithMetricsRecorder(a.stats))
	}
	if cfg.Metrics.TracePath != "" {
		f, err := os.OpenFile(cfg.Metrics.TracePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}

	a.service = core.NewIndexService(client, cfg.ServiceConfig(), opts...)
	if _, err := a.service.InstallPlugin(hca.New()); err != nil {
		return nil, fmt.Errorf("install hca plugin: %w", err)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// repository opens the configured bundle repository on first use.
func (a *app) repository(ctx context.Context) (repository.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	switch a.cfg.Repository.Kind {
	case config.RepositorySnapshot:
		repo, err := a.snapshotRepository(ctx)
		if err != nil {
			return nil, err
		}
		a.repo = repo
	default:
		canned, err := a.cannedRepository(ctx)
		if err != nil {
			return nil, err
		}
		a.repo = canned
	}
	return a.repo, nil
}

// snapshotRepository opens the configured snapshot database.
func (a *app) snapshotRepository(ctx context.Context) (*snapshot.Repository, error) {
	source, err := snapshot.OpenSQLSource(ctx, a.cfg.Repository.SnapshotDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, source.Close)
	return snapshot.NewRepository(source, a.cfg.SourceName,
		snapshot.WithLogger(a.logger),
		snapshot.WithBatchSize(a.cfg.Repository.StitchBatchSize),
		snapshot.WithWorkers(a.cfg.Repository.Workers)), nil
}

// cannedRepository opens the blob store holding canned bundles.
func (a *app) cannedRepository(ctx context.Context) (*repository.CannedRepository, error) {
	if a.canned != nil {
		return a.canned, nil
	}
	store, err := blob.Open(ctx, a.cfg.BlobConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", a.cfg.Blob.Driver, err)
	}
	a.canned = repository.NewCannedRepository(store, a.cfg.SourceName,
		repository.WithCannedLogger(a.logger),
		repository.WithFetchWorkers(a.cfg.Repository.Workers))
	return a.canned, nil
}

// reportWrites prints the document write counters gathered in-process.
func (a *app) reportWrites() {
	if a.stats == nil {
		return
	}
	writes := a.stats.Snapshot().Writes
	for _, outcome := range []string{core.OutcomeSuccess, core.OutcomeConflict, core.OutcomeError, core.OutcomeRetry} {
		if n := writes[outcome]; n > 0 {
			a.printer.Detail("writes "+outcome, n)
		}
	}
}

// Close stops the metrics server and releases every opened resource.
func (a *app) Close() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.server.Shutdown(ctx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
