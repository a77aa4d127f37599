package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides lists every environment override. Each key is read as
// CHATPDF_<KEY> first and then as the bare <KEY>, so GEMINI_API_KEY and
// QDRANT_URL work unprefixed. Nil fields were not set.
type envOverrides struct {
	ServerAddr  *string `envconfig:"SERVER_ADDR"`
	APIToken    *string `envconfig:"API_TOKEN"`
	UploadDir   *string `envconfig:"UPLOAD_DIR"`
	MaxUploadMB *int64  `envconfig:"MAX_UPLOAD_MB"`
	ServerURL   *string `envconfig:"SERVER_URL"`

	DataDir *string `envconfig:"DATA_DIR"`

	VectorBackend    *string `envconfig:"VECTOR_BACKEND"`
	VectorCollection *string `envconfig:"VECTOR_COLLECTION"`
	VectorDimension  *int    `envconfig:"VECTOR_DIMENSION"`
	QdrantURL        *string `envconfig:"QDRANT_URL"`
	QdrantAPIKey     *string `envconfig:"QDRANT_API_KEY"`

	EmbeddingProvider    *string        `envconfig:"EMBEDDING_PROVIDER"`
	EmbeddingRPS         *float64       `envconfig:"EMBEDDING_RPS"`
	EmbeddingBurst       *int           `envconfig:"EMBEDDING_BURST"`
	EmbeddingMaxAttempts *int           `envconfig:"EMBEDDING_MAX_ATTEMPTS"`
	EmbeddingBackoff     *time.Duration `envconfig:"EMBEDDING_INITIAL_BACKOFF"`
	EmbeddingConcurrency *int           `envconfig:"EMBEDDING_CONCURRENCY"`

	GenerationProvider *string `envconfig:"GENERATION_PROVIDER"`
	GenerationBaseURL  *string `envconfig:"GENERATION_BASE_URL"`
	GenerationAPIKey   *string `envconfig:"GENERATION_API_KEY"`
	GenerationModel    *string `envconfig:"GENERATION_MODEL"`

	GeminiAPIKey     *string `envconfig:"GEMINI_API_KEY"`
	GeminiEmbedModel *string `envconfig:"GEMINI_EMBED_MODEL"`
	GeminiChatModel  *string `envconfig:"GEMINI_CHAT_MODEL"`

	OllamaURL        *string `envconfig:"OLLAMA_URL"`
	OllamaChatModel  *string `envconfig:"OLLAMA_CHAT_MODEL"`
	OllamaEmbedModel *string `envconfig:"OLLAMA_EMBED_MODEL"`

	WorkerConcurrency  *int           `envconfig:"WORKER_CONCURRENCY"`
	WorkerPollInterval *time.Duration `envconfig:"WORKER_POLL_INTERVAL"`
	WorkerLeaseTimeout *time.Duration `envconfig:"WORKER_LEASE_TIMEOUT"`
	WorkerMaxAttempts  *int           `envconfig:"WORKER_MAX_ATTEMPTS"`
	ChunkSize          *int           `envconfig:"CHUNK_SIZE"`
	ChunkOverlap       *int           `envconfig:"CHUNK_OVERLAP"`

	QueueTransport *string  `envconfig:"QUEUE_TRANSPORT"`
	NSQDAddr       *string  `envconfig:"NSQD_ADDR"`
	NSQLookupd     []string `envconfig:"NSQ_LOOKUPD"`
	NSQTopic       *string  `envconfig:"NSQ_TOPIC"`
	NSQChannel     *string  `envconfig:"NSQ_CHANNEL"`

	TopK             *int `envconfig:"TOP_K"`
	MaxContextTokens *int `envconfig:"MAX_CONTEXT_TOKENS"`

	LogLevel  *string `envconfig:"LOG_LEVEL"`
	LogFormat *string `envconfig:"LOG_FORMAT"`
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, err)
	}

	set(&cfg.Server.Addr, env.ServerAddr)
	set(&cfg.Server.APIToken, env.APIToken)
	set(&cfg.Server.UploadDir, env.UploadDir)
	set(&cfg.Server.MaxUploadMB, env.MaxUploadMB)
	set(&cfg.Server.BaseURL, env.ServerURL)

	set(&cfg.Storage.DataDir, env.DataDir)

	set(&cfg.Vector.Backend, env.VectorBackend)
	set(&cfg.Vector.Collection, env.VectorCollection)
	set(&cfg.Vector.Dimension, env.VectorDimension)
	set(&cfg.Vector.QdrantURL, env.QdrantURL)
	set(&cfg.Vector.QdrantAPIKey, env.QdrantAPIKey)

	set(&cfg.Embedding.Provider, env.EmbeddingProvider)
	set(&cfg.Embedding.RPS, env.EmbeddingRPS)
	set(&cfg.Embedding.Burst, env.EmbeddingBurst)
	set(&cfg.Embedding.MaxAttempts, env.EmbeddingMaxAttempts)
	set(&cfg.Embedding.InitialBackoff, env.EmbeddingBackoff)
	set(&cfg.Embedding.Concurrency, env.EmbeddingConcurrency)

	set(&cfg.Generation.Provider, env.GenerationProvider)
	set(&cfg.Generation.BaseURL, env.GenerationBaseURL)
	set(&cfg.Generation.APIKey, env.GenerationAPIKey)
	set(&cfg.Generation.Model, env.GenerationModel)

	set(&cfg.Gemini.APIKey, env.GeminiAPIKey)
	set(&cfg.Gemini.EmbedModel, env.GeminiEmbedModel)
	set(&cfg.Gemini.ChatModel, env.GeminiChatModel)

	set(&cfg.Ollama.BaseURL, env.OllamaURL)
	set(&cfg.Ollama.ChatModel, env.OllamaChatModel)
	set(&cfg.Ollama.EmbedModel, env.OllamaEmbedModel)

	set(&cfg.Worker.Concurrency, env.WorkerConcurrency)
	set(&cfg.Worker.PollInterval, env.WorkerPollInterval)
	set(&cfg.Worker.LeaseTimeout, env.WorkerLeaseTimeout)
	set(&cfg.Worker.MaxAttempts, env.WorkerMaxAttempts)
	set(&cfg.Worker.ChunkSize, env.ChunkSize)
	set(&cfg.Worker.ChunkOverlap, env.ChunkOverlap)

	set(&cfg.Queue.Transport, env.QueueTransport)
	set(&cfg.Queue.NSQDAddr, env.NSQDAddr)
	if len(env.NSQLookupd) > 0 {
		cfg.Queue.LookupAddrs = env.NSQLookupd
	}
	set(&cfg.Queue.Topic, env.NSQTopic)
	set(&cfg.Queue.Channel, env.NSQChannel)

	set(&cfg.Retrieval.TopK, env.TopK)
	set(&cfg.Retrieval.MaxContextTokens, env.MaxContextTokens)

	set(&cfg.Log.Level, env.LogLevel)
	set(&cfg.Log.Format, env.LogFormat)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
