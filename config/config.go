// Package config loads ragbench settings from defaults, an optional YAML file,
// a .env file and the process environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"

	IndexPostgres = "postgres"
	IndexMemory   = "memory"
)

// ErrInvalid is wrapped by every validation failure returned from Load and Validate.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Debug bool `yaml:"debug"`

	PostgresDSN string `yaml:"postgres_dsn"`
	Neo4jURI    string `yaml:"neo4j_uri"`
	Neo4jUser   string `yaml:"neo4j_user"`
	Neo4jPass   string `yaml:"-"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	Embeddings EmbeddingConfig `yaml:"embeddings"`
	Index      IndexConfig     `yaml:"index"`
	Chunking   ChunkingConfig  `yaml:"chunking"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	Backends   []BackendConfig `yaml:"backends" validate:"min=1,unique=Name,dive"`
	Judge      JudgeConfig     `yaml:"judge"`
	Files      FilesConfig     `yaml:"files"`
	Graph      GraphConfig     `yaml:"graph"`
	Server     ServerConfig    `yaml:"server"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider" validate:"oneof=openai ollama"`
	Model     string `yaml:"model" validate:"required"`
	Dimension int    `yaml:"dimension" validate:"gt=0"`
}

// IndexConfig describes the vector index and the ingestion batching against it.
type IndexConfig struct {
	Kind       string        `yaml:"kind" validate:"oneof=postgres memory"`
	Name       string        `yaml:"name" validate:"required,max=63"`
	Recreate   bool          `yaml:"recreate"`
	ReadyWait  time.Duration `yaml:"ready_wait" validate:"gte=0"`
	BatchSize  int           `yaml:"batch_size" validate:"gt=0"`
	BatchDelay time.Duration `yaml:"batch_delay" validate:"gte=0"`
}

type ChunkingConfig struct {
	Size     int    `yaml:"size" validate:"gt=0"`
	Overlap  int    `yaml:"overlap" validate:"gte=0,ltfield=Size"`
	DropTail bool   `yaml:"drop_tail"`
	Encoding string `yaml:"encoding_model" validate:"required"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k" validate:"gt=0"`
}

// BackendConfig registers one answer backend. APIKey is never read from YAML;
// it is resolved from the environment variable named by APIKeyEnv.
type BackendConfig struct {
	Name         string        `yaml:"name" validate:"required"`
	Provider     string        `yaml:"provider" validate:"oneof=openai anthropic gemini ollama"`
	Model        string        `yaml:"model" validate:"required"`
	BaseURL      string        `yaml:"base_url"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	APIKey       string        `yaml:"-"`
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  *float32      `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    int           `yaml:"max_tokens" validate:"gte=0"`
	PreCallDelay time.Duration `yaml:"pre_call_delay" validate:"gte=0"`
}

type JudgeConfig struct {
	Provider    string        `yaml:"provider" validate:"oneof=openai anthropic gemini ollama"`
	Model       string        `yaml:"model" validate:"required"`
	BaseURL     string        `yaml:"base_url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	APIKey      string        `yaml:"-"`
	Temperature *float32      `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	Delay       time.Duration `yaml:"delay" validate:"gte=0"`
	// ScoreFailedAnswers sends "Error: ..." answers to the judge instead of
	// recording them as zero scores directly.
	ScoreFailedAnswers bool `yaml:"score_failed_answers"`
}

type FilesConfig struct {
	Document  string `yaml:"document"`
	Questions string `yaml:"questions"`
	Answers   string `yaml:"answers"`
	ReportDir string `yaml:"report_dir"`
}

type GraphConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Default returns the reference evaluation setup: five answer backends, a
// GPT-4 judge and 500-token chunks.
func Default() Config {
	return Config{
		PostgresDSN: "postgres://localhost:5432/ragbench?sslmode=disable",
		Neo4jURI:    "neo4j://localhost:7687",
		Neo4jUser:   "neo4j",
		Neo4jPass:   "password",
		OllamaHost:  "http://localhost:11434",
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
		Index: IndexConfig{
			Kind:       IndexPostgres,
			Name:       "ragbench_chunks",
			Recreate:   true,
			BatchSize:  100,
			BatchDelay: time.Second,
		},
		Chunking: ChunkingConfig{
			Size:     500,
			Overlap:  100,
			Encoding: "gpt-4",
		},
		Retrieval: RetrievalConfig{TopK: 3},
		Backends:  DefaultBackends(),
		Judge: JudgeConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4",
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: float32Ptr(0.1),
			Delay:       time.Second,
		},
		Files: FilesConfig{
			Document:  "data/document.txt",
			Questions: "data/questions.xlsx",
			Answers:   "middleFiles/results_with_all_contexts.xlsx",
			ReportDir: "outputFiles",
		},
		Server: ServerConfig{Addr: ":5000"},
	}
}

// DefaultBackends lists the five answer backends in the order their columns
// appear in the intermediate workbook.
func DefaultBackends() []BackendConfig {
	return []BackendConfig{
		{
			Name:         "gpt-4o",
			Provider:     ProviderOpenAI,
			Model:        "gpt-4",
			APIKeyEnv:    "OPENAI_API_KEY",
			SystemPrompt: "You are a helpful assistant.",
			Temperature:  float32Ptr(0.1),
		},
		{
			Name:         "DeepSeek Chat",
			Provider:     ProviderOpenAI,
			Model:        "deepseek-reasoner",
			BaseURL:      "https://api.deepseek.com",
			APIKeyEnv:    "DEEPSEEK_API_KEY",
			SystemPrompt: "You are a helpful assistant.",
		},
		{
			Name:        "Grok3",
			Provider:    ProviderOpenAI,
			Model:       "grok-3",
			BaseURL:     "https://api.x.ai/v1",
			APIKeyEnv:   "XAI_API_KEY",
			Temperature: float32Ptr(0.3),
			MaxTokens:   1000,
		},
		{
			Name:        "Claude3.7",
			Provider:    ProviderAnthropic,
			Model:       "claude-3-opus-20240229",
			APIKeyEnv:   "ANTHROPIC_API_KEY",
			Temperature: float32Ptr(0.3),
			MaxTokens:   1000,
		},
		{
			Name:         "Gemini2.5Pro",
			Provider:     ProviderGemini,
			Model:        "gemini-2.5-flash-preview-05-20",
			APIKeyEnv:    "GOOGLE_API_KEY",
			PreCallDelay: 5 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only the
// defaults, .env and the environment are consulted.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(getEnv("RAGBENCH_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	resolveKeys(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and returns an error wrapping ErrInvalid.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s' tag", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Backend returns the named backend entry.
func (c Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// BackendNames returns backend names in registration order.
func (c Config) BackendNames() []string {
	names := make([]string, len(c.Backends))
	for i, b := range c.Backends {
		names[i] = b.Name
	}
	return names
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Debug = getEnvBool("RAGBENCH_DEBUG", cfg.Debug)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.Neo4jURI = getEnv("NEO4J_URI", cfg.Neo4jURI)
	cfg.Neo4jUser = getEnv("NEO4J_USERNAME", cfg.Neo4jUser)
	cfg.Neo4jPass = getEnv("NEO4J_PASSWORD", cfg.Neo4jPass)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)

	cfg.Embeddings.Provider = getEnv("EMBEDDINGS_PROVIDER", cfg.Embeddings.Provider)
	cfg.Embeddings.Model = getEnv("EMBEDDINGS_MODEL", cfg.Embeddings.Model)
	cfg.Embeddings.Dimension = getEnvInt("EMBED_DIM", cfg.Embeddings.Dimension)

	cfg.Index.Kind = getEnv("INDEX_KIND", cfg.Index.Kind)
	cfg.Index.Name = getEnv("INDEX_NAME", cfg.Index.Name)
	cfg.Index.Recreate = getEnvBool("INDEX_RECREATE", cfg.Index.Recreate)

	cfg.Files.Document = getEnv("FILE_PATH", cfg.Files.Document)
	cfg.Files.Questions = getEnv("INPUT_EXCEL", cfg.Files.Questions)
	cfg.Files.Answers = getEnv("OUTPUT_EXCEL", cfg.Files.Answers)
	cfg.Files.ReportDir = getEnv("REPORT_DIR", cfg.Files.ReportDir)

	cfg.Graph.Enabled = getEnvBool("GRAPH_ENABLED", cfg.Graph.Enabled)
	cfg.Server.Addr = getEnv("SERVER_ADDR", cfg.Server.Addr)
}

func resolveKeys(cfg *Config) {
	for i := range cfg.Backends {
		if cfg.Backends[i].APIKeyEnv != "" {
			cfg.Backends[i].APIKey = os.Getenv(cfg.Backends[i].APIKeyEnv)
		}
	}
	if cfg.Judge.APIKeyEnv != "" {
		cfg.Judge.APIKey = os.Getenv(cfg.Judge.APIKeyEnv)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func float32Ptr(v float32) *float32 {
	return &v
}
