package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rvbbit/lars/pkg/analytics"
	"github.com/rvbbit/lars/pkg/bus"
	"github.com/rvbbit/lars/pkg/candidates"
	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/costs"
	"github.com/rvbbit/lars/pkg/embedders"
	"github.com/rvbbit/lars/pkg/llms"
	"github.com/rvbbit/lars/pkg/logstore"
	"github.com/rvbbit/lars/pkg/observability"
	"github.com/rvbbit/lars/pkg/rag"
	"github.com/rvbbit/lars/pkg/runner"
	"github.com/rvbbit/lars/pkg/tools"
	"github.com/rvbbit/lars/pkg/validators"
	"github.com/rvbbit/lars/pkg/wards"
)

// engineOptions carry the per-command bootstrap switches.
type engineOptions struct {
	CascadeDir  string
	MetricsAddr string
	Trace       bool
}

// engine wires the full stack for one CLI invocation.
type engine struct {
	cfg      *config.Config
	store    *logstore.Store
	events   *bus.Bus
	models   *llms.Registry
	embedder embedders.Embedder
	vectors  *rag.VectorStore
	tracker  *costs.Tracker
	worker   *analytics.Worker
	runner   *runner.Runner

	cascades   *config.CascadeRegistry
	cascadeDir string

	shutdownTracer func(context.Context) error
	metricsServer  *http.Server
}

func newEngine(ctx context.Context, cli *CLI, opts engineOptions) (*engine, error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return nil, err
	}

	store, err := logstore.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}

	events := bus.New(cfg.BusQueueSize)

	models, err := llms.NewRegistryFromConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	var embedder embedders.Embedder
	if cfg.Embedder != nil {
		embedder, err = embedders.New(cfg.Embedder)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	vectors, err := rag.NewVectorStore(cfg.RAG.PersistPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	toolReg := tools.NewRegistry()
	dispatcher := validators.NewDispatcher(toolReg, store.DB())
	wardsEng := wards.NewEngine(dispatcher, store, events)
	candEng := candidates.NewEngine(models, dispatcher, events)

	tracker := costs.NewTracker(store, events, cfg.CostTracker)
	tracker.Start()

	flags := config.FlagsFromEnv()
	worker := analytics.NewWorker(store, models, events)
	if flags.RelevanceAnalysis {
		worker.RelevanceModel = cfg.DefaultModel
	}
	if flags.ConfidenceAssessment {
		worker.ConfidenceModel = cfg.DefaultModel
	}
	worker.Start()

	if flags.EnableEmbeddings && embedder == nil {
		slog.Warn("LARS_ENABLE_EMBEDDINGS is set but no embedder is configured")
	}
	if flags.ElasticsearchHost != "" {
		slog.Warn("External search backends are not supported; ignoring LARS_ELASTICSEARCH_HOST")
	}

	eng := &engine{
		cfg:        cfg,
		store:      store,
		events:     events,
		models:     models,
		embedder:   embedder,
		vectors:    vectors,
		tracker:    tracker,
		worker:     worker,
		cascades:   config.NewCascadeRegistry(),
		cascadeDir: chooseString(opts.CascadeDir, cfg.CascadeDir),
	}

	eng.shutdownTracer, err = observability.InitTracer(ctx, observability.TracerConfig{Enabled: opts.Trace})
	if err != nil {
		eng.Close()
		return nil, err
	}
	if opts.MetricsAddr != "" {
		observability.NewMetrics(prometheus.DefaultRegisterer).Observe(ctx, events)
		eng.metricsServer = &http.Server{Addr: opts.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := eng.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}
	if !cli.Quiet {
		observability.NewNarrator(nil).Run(ctx, events)
	}

	eng.runner = runner.New(runner.Options{
		Models:             models,
		Store:              store,
		Events:             events,
		Tools:              toolReg,
		Validators:         dispatcher,
		Wards:              wardsEng,
		Costs:              tracker,
		Candidates:         candEng,
		Embedder:           embedder,
		Vectors:            vectors,
		RAG:                cfg.RAG,
		ResearchDB:         store.DB(),
		ToolCache:          tools.NewCache(0),
		MaxCellInvocations: cfg.MaxCellInvocations,
	})
	eng.runner.Analytics = worker

	if eng.cascadeDir != "" {
		if err := eng.loadCascades(); err != nil {
			eng.Close()
			return nil, err
		}
	}

	return eng, nil
}

// loadCascades scans the cascade directory and registers every document
// with the runner, which also exposes their named validators.
func (e *engine) loadCascades() error {
	if err := e.cascades.LoadDir(e.cascadeDir); err != nil {
		return err
	}
	for _, cascade := range e.cascades.List() {
		if err := e.runner.Register(cascade); err != nil {
			return fmt.Errorf("cascade '%s': %w", cascade.CascadeID, err)
		}
	}
	return nil
}

// Close drains background work before releasing storage. Async cascades
// finish first so their costs and analytics still land.
func (e *engine) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if e.runner != nil {
		e.runner.Wait()
	}
	e.tracker.Stop(shutdownCtx)
	e.worker.Stop(shutdownCtx)

	if e.metricsServer != nil {
		_ = e.metricsServer.Shutdown(shutdownCtx)
	}
	if e.shutdownTracer != nil {
		if err := e.shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("Tracer shutdown failed", "error", err)
		}
	}

	e.events.Shutdown()
	if err := e.store.Close(); err != nil {
		slog.Warn("Log store close failed", "error", err)
	}
}

// loadConfig reads the engine config, or serves built-in defaults so
// zero-config commands (validate, index against a local ollama) work.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := &config.Config{}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func chooseString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
