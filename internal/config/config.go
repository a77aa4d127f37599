// Package config loads chatpdf settings from defaults, an optional YAML
// file, a .env file and CHATPDF_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingRequired = errors.New("missing required config")
	ErrInvalid         = errors.New("invalid config")
)

// maxNSQLease matches nsqd's default --max-msg-timeout; in-flight messages
// cannot outlive it.
const maxNSQLease = 15 * time.Minute

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATPDF"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Worker     WorkerConfig     `yaml:"worker"`
	Queue      QueueConfig      `yaml:"queue"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	APIToken    string `yaml:"api_token"`
	UploadDir   string `yaml:"upload_dir"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
	BaseURL     string `yaml:"base_url"` // used by CLI clients
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// VectorConfig selects the vector store: sqlite, bolt or qdrant.
type VectorConfig struct {
	Backend      string `yaml:"backend"`
	Collection   string `yaml:"collection"`
	QdrantURL    string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	Dimension    int    `yaml:"dimension"`
}

// EmbeddingConfig selects the embedding provider (gemini or ollama) and
// its retry and rate limits.
type EmbeddingConfig struct {
	Provider       string        `yaml:"provider"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Concurrency    int           `yaml:"concurrency"`
}

// GenerationConfig selects the answer provider: openai (any compatible
// endpoint), gemini or ollama.
type GenerationConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type GeminiConfig struct {
	APIKey     string `yaml:"api_key"`
	EmbedModel string `yaml:"embed_model"`
	ChatModel  string `yaml:"chat_model"`
}

type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	ChatModel  string `yaml:"chat_model"`
	EmbedModel string `yaml:"embed_model"`
}

type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkOverlap int           `yaml:"chunk_overlap"`
}

// QueueConfig selects how job ids reach workers: sqlite (polling only) or
// nsq (published ids plus polling).
type QueueConfig struct {
	Transport   string   `yaml:"transport"`
	NSQDAddr    string   `yaml:"nsqd_addr"`
	LookupAddrs []string `yaml:"lookupd_addrs"`
	Topic       string   `yaml:"topic"`
	Channel     string   `yaml:"channel"`
}

type RetrievalConfig struct {
	TopK             int `yaml:"top_k"`
	MaxContextTokens int `yaml:"max_context_tokens"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8000",
			UploadDir:   "uploads",
			MaxUploadMB: 50,
			BaseURL:     "http://localhost:8000",
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Vector: VectorConfig{
			Backend:    "sqlite",
			Collection: "chat-with-pdf",
			QdrantURL:  "http://localhost:6333",
			Dimension:  768,
		},
		Embedding: EmbeddingConfig{
			Provider:       "gemini",
			RPS:            10,
			Burst:          10,
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			Concurrency:    4,
		},
		Generation: GenerationConfig{
			Provider: "openai",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:    "gemini-1.5-flash",
		},
		Gemini: GeminiConfig{
			EmbedModel: "text-embedding-004",
			ChatModel:  "gemini-1.5-flash",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Worker: WorkerConfig{
			Concurrency:  100,
			PollInterval: 500 * time.Millisecond,
			LeaseTimeout: 5 * time.Minute,
			MaxAttempts:  3,
			ChunkSize:    1000,
			ChunkOverlap: 200,
		},
		Queue: QueueConfig{
			Transport: "sqlite",
			NSQDAddr:  "localhost:4150",
			Topic:     "file-upload-queue",
			Channel:   "worker",
		},
		Retrieval: RetrievalConfig{TopK: 2, MaxContextTokens: 4000},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

func defaultDataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "chatpdf")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "chatpdf")
	}
	return "data"
}

// DefaultPath is where Load looks for a YAML file when none is given.
func DefaultPath() string {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return filepath.Join(d, "chatpdf", "config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "chatpdf", "config.yaml")
	}
	return "config.yaml"
}

// Load builds the configuration. An empty path uses DefaultPath, which may
// be absent; an explicit path must exist. The result is validated.
func Load(path string) (Config, error) {
	// A missing .env is normal; real environment variables win over it.
	_ = godotenv.Load(".env")

	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := loadFile(&cfg, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	// Gemini's OpenAI-compatible endpoint takes the Gemini key.
	if cfg.Generation.APIKey == "" {
		cfg.Generation.APIKey = cfg.Gemini.APIKey
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parsing %s: %w", ErrInvalid, path, err)
	}
	return nil
}

// Validate checks enumerations and ranges. Credentials are checked
// separately by RequireCredentials, since not every command needs them.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value string
		allow []string
	}{
		{"vector.backend", c.Vector.Backend, []string{"sqlite", "bolt", "qdrant"}},
		{"embedding.provider", c.Embedding.Provider, []string{"gemini", "ollama"}},
		{"generation.provider", c.Generation.Provider, []string{"openai", "gemini", "ollama"}},
		{"queue.transport", c.Queue.Transport, []string{"sqlite", "nsq"}},
		{"log.format", c.Log.Format, []string{"text", "json"}},
	}
	for _, ch := range checks {
		if !slices.Contains(ch.allow, ch.value) {
			return fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalid, ch.name, ch.allow, ch.value)
		}
	}

	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr", ErrMissingRequired)
	case c.Storage.DataDir == "":
		return fmt.Errorf("%w: storage.data_dir", ErrMissingRequired)
	case c.Server.UploadDir == "":
		return fmt.Errorf("%w: server.upload_dir", ErrMissingRequired)
	case c.Server.MaxUploadMB <= 0:
		return fmt.Errorf("%w: server.max_upload_mb must be positive", ErrInvalid)
	case c.Worker.Concurrency <= 0:
		return fmt.Errorf("%w: worker.concurrency must be positive", ErrInvalid)
	case c.Worker.ChunkSize <= 0:
		return fmt.Errorf("%w: worker.chunk_size must be positive", ErrInvalid)
	case c.Worker.ChunkOverlap < 0 || c.Worker.ChunkOverlap >= c.Worker.ChunkSize:
		return fmt.Errorf("%w: worker.chunk_overlap must be in [0, chunk_size)", ErrInvalid)
	case c.Worker.LeaseTimeout < time.Second:
		return fmt.Errorf("%w: worker.lease_timeout must be at least 1s", ErrInvalid)
	case c.Retrieval.TopK <= 0:
		return fmt.Errorf("%w: retrieval.top_k must be positive", ErrInvalid)
	case c.Vector.Backend == "qdrant" && c.Vector.QdrantURL == "":
		return fmt.Errorf("%w: vector.qdrant_url", ErrMissingRequired)
	case c.Vector.Backend == "qdrant" && c.Vector.Dimension <= 0:
		return fmt.Errorf("%w: vector.dimension must be positive for qdrant", ErrInvalid)
	case c.Queue.Transport == "nsq" && c.Queue.NSQDAddr == "" && len(c.Queue.LookupAddrs) == 0:
		return fmt.Errorf("%w: queue.nsqd_addr or queue.lookupd_addrs", ErrMissingRequired)
	case c.Queue.Transport == "nsq" && c.Worker.LeaseTimeout > maxNSQLease:
		return fmt.Errorf("%w: worker.lease_timeout must be at most %s with the nsq transport", ErrInvalid, maxNSQLease)
	}
	return nil
}

// RequireCredentials checks that the selected providers have API keys.
func (c Config) RequireCredentials() error {
	if c.Embedding.Provider == "gemini" && c.Gemini.APIKey == "" {
		return fmt.Errorf("%w: Gemini API key. Set %s_GEMINI_API_KEY or GEMINI_API_KEY", ErrMissingRequired, EnvPrefix)
	}
	switch c.Generation.Provider {
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("%w: Gemini API key. Set %s_GEMINI_API_KEY or GEMINI_API_KEY", ErrMissingRequired, EnvPrefix)
		}
	case "openai":
		if c.Generation.APIKey == "" {
			return fmt.Errorf("%w: generation API key. Set %s_GENERATION_API_KEY or GEMINI_API_KEY", ErrMissingRequired, EnvPrefix)
		}
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}
