// Package config loads runtime settings from the environment, an optional .env
// file, and an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderLocal  = "local"

	MetricCosine = "cosine"
	MetricL2     = "l2"

	BackendSnapshot = "snapshot"
	BackendPostgres = "postgres"
)

type Config struct {
	DataDir  string `yaml:"dataDir"`
	IndexDir string `yaml:"indexDir"`
	HTTPAddr string `yaml:"httpAddr"`

	PostgresDSN string `yaml:"postgresDSN"`
	Neo4jURI    string `yaml:"neo4jURI"`
	Neo4jUser   string `yaml:"neo4jUser"`
	Neo4jPass   string `yaml:"neo4jPass"`

	OllamaHost     string `yaml:"ollamaHost"`
	OpenAIAPIKey   string `yaml:"openaiAPIKey"`
	OpenAIBaseURL  string `yaml:"openaiBaseURL"`
	GeminiAPIKey   string `yaml:"geminiAPIKey"`
	LocalModelPath string `yaml:"localModelPath"`

	Embeddings EmbeddingConfig `yaml:"embeddings"`
	LLM        LLMConfig       `yaml:"llm"`
	Retry      RetryConfig     `yaml:"retry"`
	Chunker    ChunkerConfig   `yaml:"chunker"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	Log        LogConfig       `yaml:"log"`
}

type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	BatchSize         int           `yaml:"batchSize"`
	Parallelism       int           `yaml:"parallelism"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
	Metric            string        `yaml:"metric"`
}

type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	ScoringModel      string        `yaml:"scoringModel"`
	ScoringEnabled    bool          `yaml:"scoringEnabled"`
	MaxTokens         int           `yaml:"maxTokens"`
	GenerationTimeout time.Duration `yaml:"generationTimeout"`
	ScoringTimeout    time.Duration `yaml:"scoringTimeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Jitter      float64       `yaml:"jitter"`
}

type ChunkerConfig struct {
	MaxChars int `yaml:"maxChars"`
	Overlap  int `yaml:"overlap"`
}

type RetrievalConfig struct {
	DefaultK int    `yaml:"defaultK"`
	MaxK     int    `yaml:"maxK"`
	Backend  string `yaml:"backend"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load builds a Config from the process environment. A .env file in the working
// directory is loaded first when present, and CAMPUSQA_CONFIG may name a YAML file
// whose values override the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := fromEnv()

	if path := strings.TrimSpace(os.Getenv("CAMPUSQA_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromEnv() Config {
	return Config{
		DataDir:  getEnv("DATA_DIR", "./data"),
		IndexDir: getEnv("INDEX_DIR", "./index"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),
		Neo4jURI:    getEnv("NEO4J_URI", ""),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		LocalModelPath: getEnv("LOCAL_MODEL_PATH", "./models/sentence-transformers_all-MiniLM-L6-v2"),

		Embeddings: EmbeddingConfig{
			Provider:          getEnv("EMBEDDINGS_PROVIDER", ProviderGemini),
			Model:             getEnv("EMBEDDINGS_MODEL", "gemini-embedding-001"),
			Dimension:         getEnvInt("EMBEDDINGS_DIMENSION", 3072),
			BatchSize:         getEnvInt("EMBEDDINGS_BATCH_SIZE", 32),
			Parallelism:       getEnvInt("EMBEDDINGS_PARALLELISM", 2),
			RequestsPerSecond: getEnvFloat("EMBEDDINGS_RPS", 1.4),
			Timeout:           getEnvDuration("EMBEDDINGS_TIMEOUT", 30*time.Second),
			Metric:            getEnv("INDEX_METRIC", MetricCosine),
		},
		LLM: LLMConfig{
			Provider:          getEnv("LLM_PROVIDER", ProviderGemini),
			Model:             getEnv("LLM_MODEL", "gemini-2.5-flash"),
			ScoringModel:      getEnv("LLM_SCORING_MODEL", ""),
			ScoringEnabled:    getEnvBool("LLM_SCORING_ENABLED", true),
			MaxTokens:         getEnvInt("LLM_MAX_TOKENS", 0),
			GenerationTimeout: getEnvDuration("LLM_GENERATION_TIMEOUT", 60*time.Second),
			ScoringTimeout:    getEnvDuration("LLM_SCORING_TIMEOUT", 15*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 6),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			Jitter:      getEnvFloat("RETRY_JITTER", 0.2),
		},
		Chunker: ChunkerConfig{
			MaxChars: getEnvInt("CHUNK_MAX_CHARS", 2000),
			Overlap:  getEnvInt("CHUNK_OVERLAP", 200),
		},
		Retrieval: RetrievalConfig{
			DefaultK: getEnvInt("RETRIEVAL_DEFAULT_K", 3),
			MaxK:     getEnvInt("RETRIEVAL_MAX_K", 10),
			Backend:  getEnv("RETRIEVAL_BACKEND", BackendSnapshot),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
	}
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embedding batch size must be positive")
	}
	if c.Embeddings.Parallelism <= 0 {
		return fmt.Errorf("embedding parallelism must be positive")
	}
	switch c.Embeddings.Metric {
	case MetricCosine, MetricL2:
	default:
		return fmt.Errorf("unknown index metric: %s", c.Embeddings.Metric)
	}
	if c.Chunker.MaxChars <= 0 {
		return fmt.Errorf("chunk max chars must be positive")
	}
	if c.Chunker.Overlap < 0 || c.Chunker.MaxChars-c.Chunker.Overlap < utf8.UTFMax {
		return fmt.Errorf("chunk overlap must be in [0, %d]", c.Chunker.MaxChars-utf8.UTFMax)
	}
	if c.Retrieval.MaxK <= 0 {
		return fmt.Errorf("retrieval max k must be positive")
	}
	if c.Retrieval.DefaultK <= 0 || c.Retrieval.DefaultK > c.Retrieval.MaxK {
		return fmt.Errorf("retrieval default k must be in [1, %d]", c.Retrieval.MaxK)
	}
	switch c.Retrieval.Backend {
	case BackendSnapshot, BackendPostgres:
	default:
		return fmt.Errorf("unknown retrieval backend: %s", c.Retrieval.Backend)
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm max tokens must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}
