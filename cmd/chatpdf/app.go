package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ameya051/chat-with-pdf/internal/config"
	"github.com/ameya051/chat-with-pdf/internal/gemini"
	"github.com/ameya051/chat-with-pdf/internal/ingest"
	"github.com/ameya051/chat-with-pdf/internal/ollama"
	"github.com/ameya051/chat-with-pdf/internal/openai"
	"github.com/ameya051/chat-with-pdf/internal/query"
	"github.com/ameya051/chat-with-pdf/internal/retrieval"
	"github.com/ameya051/chat-with-pdf/internal/storage"
)

// app holds the server-side components built from a Config.
type app struct {
	cfg      config.Config
	store    *storage.Store
	vectors  retrieval.VectorStore
	embedder *retrieval.RetryingEmbedder
	query    *query.Service
	models   modelChecker // set for the openai generator
	logger   *slog.Logger

	closers []io.Closer
}

type modelChecker interface {
	HasModel(ctx context.Context, name string) (bool, error)
}

// openApp opens storage and builds the vector store, embedder and query
// service. withGenerator is false for processes that only ingest.
func openApp(ctx context.Context, cfg config.Config, withGenerator bool) (*app, error) {
	a := &app{cfg: cfg, logger: slog.Default()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	if err := a.openVectors(ctx); err != nil {
		return nil, err
	}

	ollamaClient := ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)
	var geminiClient *gemini.Client
	if cfg.Embedding.Provider == "gemini" || (withGenerator && cfg.Generation.Provider == "gemini") {
		geminiClient, err = gemini.NewClient(ctx, gemini.Config{
			APIKey:     cfg.Gemini.APIKey,
			EmbedModel: cfg.Gemini.EmbedModel,
			ChatModel:  cfg.Gemini.ChatModel,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, geminiClient)
	}

	var inner retrieval.Embedder = ollamaClient
	if cfg.Embedding.Provider == "gemini" {
		inner = geminiClient
	}
	a.embedder = retrieval.NewRetryingEmbedder(inner, retrieval.RetryOptions{
		MaxAttempts:    cfg.Embedding.MaxAttempts,
		InitialBackoff: cfg.Embedding.InitialBackoff,
		RPS:            cfg.Embedding.RPS,
		Burst:          cfg.Embedding.Burst,
		Concurrency:    cfg.Embedding.Concurrency,
		Logger:         a.logger,
	})

	if withGenerator {
		var gen query.Generator
		switch cfg.Generation.Provider {
		case "gemini":
			gen = geminiClient
		case "ollama":
			gen = ollamaClient
		default:
			oc := openai.NewClient(openai.Config{
				APIKey:  cfg.Generation.APIKey,
				BaseURL: cfg.Generation.BaseURL,
				Model:   cfg.Generation.Model,
			})
			gen = oc
			a.models = oc
		}
		a.query = query.NewService(
			retrieval.NewRetriever(a.embedder, a.vectors),
			gen,
			query.WithTopK(cfg.Retrieval.TopK),
			query.WithComposer(query.NewComposer(cfg.Retrieval.MaxContextTokens)),
			query.WithLogger(a.logger),
		)
	}

	ok = true
	return a, nil
}

func (a *app) openVectors(ctx context.Context) error {
	cfg := a.cfg.Vector
	switch cfg.Backend {
	case "bolt":
		bs, err := retrieval.OpenBoltStore(filepath.Join(a.cfg.Storage.DataDir, cfg.Collection+".bolt"))
		if err != nil {
			return fmt.Errorf("opening bolt vector store: %w", err)
		}
		a.vectors = bs
		a.closers = append(a.closers, bs)
	case "qdrant":
		qs := retrieval.NewQdrantStore(retrieval.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.Collection,
			Timeout:    30 * time.Second,
		})
		if err := qs.EnsureCollection(ctx, cfg.Dimension); err != nil {
			return fmt.Errorf("preparing qdrant collection %s: %w", cfg.Collection, err)
		}
		a.vectors = qs
	default:
		a.vectors = retrieval.NewSQLiteStore(a.store.DB())
	}
	return nil
}

// newPool builds the worker pool for this app.
func (a *app) newPool() *ingest.Pool {
	w := a.cfg.Worker
	return ingest.NewPool(a.store, ingest.PDFParser{}, a.embedder, a.vectors, ingest.Options{
		Concurrency:  w.Concurrency,
		PollInterval: w.PollInterval,
		LeaseTimeout: w.LeaseTimeout,
		Chunker:      ingest.NewChunker(w.ChunkSize, w.ChunkOverlap),
		Logger:       a.logger,
	})
}

// newQueue builds the upload queue. With the nsq transport every job id
// is also published; the returned stop func flushes the producer.
func (a *app) newQueue() (*ingest.Queue, func(), error) {
	var pub ingest.Publisher
	stop := func() {}
	if a.cfg.Queue.Transport == "nsq" {
		p, err := ingest.NewNSQPublisher(a.cfg.Queue.NSQDAddr, a.cfg.Queue.Topic)
		if err != nil {
			return nil, nil, fmt.Errorf("creating nsq publisher: %w", err)
		}
		pub = p
		stop = p.Stop
	}
	return ingest.NewQueue(a.store, pub, a.cfg.Worker.MaxAttempts), stop, nil
}

// ensureOllama pulls and warms up local models when a provider uses them.
func (a *app) ensureOllama(ctx context.Context, w io.Writer) error {
	cfg := a.cfg
	if cfg.Embedding.Provider != "ollama" && cfg.Generation.Provider != "ollama" {
		return nil
	}
	return ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel), w)
}

// checkGenerationModel fails when the OpenAI-compatible endpoint does not
// serve the configured model. A listing failure is only logged, since some
// compatible servers do not implement /models.
func (a *app) checkGenerationModel(ctx context.Context) error {
	if a.models == nil {
		return nil
	}
	model := a.cfg.Generation.Model
	ok, err := a.models.HasModel(ctx, model)
	if err != nil {
		a.logger.WarnContext(ctx, "could not list generation models", "base_url", a.cfg.Generation.BaseURL, "error", err)
		return nil
	}
	if !ok {
		return fmt.Errorf("generation model %q is not served by %s", model, a.cfg.Generation.BaseURL)
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
