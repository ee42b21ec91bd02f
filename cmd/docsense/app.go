package main

import (
	"context"
	"fmt"

	"docsense/internal/citation"
	"docsense/internal/config"
	"docsense/internal/embedding"
	"docsense/internal/extract"
	"docsense/internal/llm"
	"docsense/internal/logging"
	"docsense/internal/match"
	"docsense/internal/parser"
	"docsense/internal/pipeline"
	"docsense/internal/queryplan"
	"docsense/internal/retrieval"
	"docsense/internal/search"
	"docsense/internal/store"
	"docsense/internal/types"
	"docsense/internal/validate"
)

// app holds the wired system for one CLI invocation. The search index is
// in-process, so it is rebuilt from the store on every start.
type app struct {
	cfg      *config.Config
	store    *store.Store
	index    *search.Index
	registry *search.Registry

	pipeline *pipeline.Pipeline
	engine   *retrieval.Engine
	tracker  *citation.Tracker
	audit    *citation.AuditQueue
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := search.NewRegistry()
	if err := registry.Reload(st); err != nil {
		st.Close()
		return nil, fmt.Errorf("load canonical mappings: %w", err)
	}

	ix := search.NewIndex(search.Weights{
		A: float64(cfg.Retrieval.WeightA),
		B: float64(cfg.Retrieval.WeightB),
		C: float64(cfg.Retrieval.WeightC),
	})

	parserClient := parser.NewHTTPClient(cfg.Parser.BaseURL, cfg.Parser.APIKey, cfg.GetParseDeadline())

	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewCachingClient(llm.NewHTTPClient(llm.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.GetLLMTimeout(),
		}), cfg.LLM.CacheEntries, cfg.GetLLMCacheTTL())
	}

	var embedder embedding.Engine
	if cfg.Embedding.Enabled {
		embedder, err = embedding.NewEngine(embedding.Config{
			Provider:   cfg.Embedding.Provider,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("create embedder: %w", err)
		}
	}

	matcher := match.New(ix, llmClient, st.ListTemplates, match.Config{
		FastMatchThreshold: cfg.Matching.FastMatchThreshold,
		CreateNewThreshold: cfg.Matching.CreateNewThreshold,
		EnableLLMFallback:  cfg.Matching.EnableLLMFallback && llmClient != nil,
	})

	validator := validate.New(cfg.Audit.ReviewThreshold, cfg.Audit.HighConfidence)
	extractor := extract.New(st, parserClient, ix, registry, validator, embedder,
		cfg.Audit.ReviewThreshold, cfg.Audit.HighConfidence)

	planner := queryplan.New(registry, ix, llmClient, queryplan.Config{
		FastPathThreshold: cfg.Query.FastPathThreshold,
		MaxExpansions:     cfg.Query.MaxExpansions,
	})

	engine := retrieval.NewEngine(ix, planner, registry, llmClient, embedder, retrieval.Config{
		TopK:                 cfg.Retrieval.TopK,
		FuzzyThreshold:       cfg.Retrieval.TrigramThreshold,
		SemanticTopK:         cfg.Retrieval.AnswerK,
		RRFConstant:          float64(cfg.Retrieval.RRFK),
		SemanticAlpha:        cfg.Retrieval.RRFAlpha,
		EnableSemanticRerank: cfg.Retrieval.EnableSemanticRerank && embedder != nil,
		Timeout:              cfg.GetQueryDeadline(),
		CacheSize:            cfg.Query.CacheEntries,
		CacheTTL:             cfg.GetQueryCacheTTL(),
	})
	// Cached answers survive CLI restarts through the store's query_cache
	// table; each process still keeps its own hot in-memory layer.
	engine.UsePersistentCache(st)

	a := &app{
		cfg:      cfg,
		store:    st,
		index:    ix,
		registry: registry,
		pipeline: pipeline.New(st, parserClient, matcher, extractor, pipeline.Config{
			Workers:     cfg.Pipeline.WorkerPoolSize,
			FileTimeout: cfg.GetParseDeadline() + cfg.GetExtractDeadline(),
			StorageRoot: cfg.Store.FileRoot,
		}),
		engine:  engine,
		tracker: citation.NewTracker(st, cfg.Audit.ReviewThreshold),
		audit:   citation.NewAuditQueue(st, extractor, engine),
	}

	if err := a.rebuildIndex(ctx, extractor); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// rebuildIndex restores the in-memory search state from the store: template
// signatures plus the projection of every completed document.
func (a *app) rebuildIndex(ctx context.Context, extractor *extract.Extractor) error {
	templates, err := a.store.ListTemplates()
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	for _, tpl := range templates {
		a.index.IndexTemplateSignature(tpl.Signature())
	}

	docs, err := a.store.ListDocuments(types.StatusCompleted, 100000)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		if err := extractor.ReindexFromStore(ctx, doc.ID); err != nil {
			logging.Get(logging.CategoryIndex).Warn("Skipping document %d during index rebuild: %v", doc.ID, err)
		}
	}
	logging.Index("Index rebuilt: %d templates, %d documents", len(templates), a.index.Size())
	return nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}
