package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-detail/internal/fetch"
	"github.com/sells-group/company-detail/internal/pipeline"
	"github.com/sells-group/company-detail/internal/schema"
	"github.com/sells-group/company-detail/internal/store"
	"github.com/sells-group/company-detail/internal/trace"
	anthropicpkg "github.com/sells-group/company-detail/pkg/anthropic"
	"github.com/sells-group/company-detail/pkg/jina"
)

// pipelineEnv holds the initialized store, clients, and pipeline shared by
// the run/csvrun/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Schemas  *schema.Registry
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store: postgres driver requires store.database_url")
		}
		var poolCfg *store.PoolConfig
		if cfg.Store.Pool != nil {
			poolCfg = &store.PoolConfig{
				MaxConns: cfg.Store.Pool.MaxConns,
				MinConns: cfg.Store.Pool.MinConns,
			}
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, poolCfg)
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.SQLitePath)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}
}

// loadSchemas loads the builtin schema registry, overlaid with schema
// definitions from pipeline.schema_file when set.
func loadSchemas() (*schema.Registry, error) {
	if cfg.Pipeline.SchemaFile != "" {
		return schema.LoadFile(cfg.Pipeline.SchemaFile)
	}
	return schema.LoadBuiltin()
}

// initPipeline sets up the store, API clients, schema registry, and trace
// recorder, then builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic: api key required (DETAIL_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	schemas, err := loadSchemas()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	jinaClient := jina.NewClient(cfg.Jina.Key,
		jina.WithBaseURL(cfg.Jina.BaseURL),
		jina.WithLocale(cfg.Jina.Locale),
	)
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithRequestsPerMinute(cfg.Anthropic.RequestsPerMinute),
	)

	recorder := trace.NewRecorder(trace.MultiSink{
		trace.LogSink{},
		trace.NewStoreSink(st),
	})

	p := pipeline.New(cfg, st, fetch.NewJinaFetcher(jinaClient), anthropicClient, schemas, recorder)

	return &pipelineEnv{Store: st, Schemas: schemas, Pipeline: p}, nil
}
