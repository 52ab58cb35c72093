// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Search providers for the web search tool.
const (
	SearchGoogle     = "google"
	SearchSerpAPI    = "serpapi"
	SearchDuckDuckGo = "duckduckgo"
	SearchNone       = "none"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	DBPath         string
	LogLevel       slog.Level

	RabbitMQ RabbitMQConfig
	Queues   QueueConfig
	LLM      LLMConfig
	Search   SearchConfig
	Index    IndexConfig
	Pipeline PipelineConfig

	JournalRetention time.Duration
	GRPCHealthAddr   string
	RedisURL         string
	SSEKeepalive     time.Duration
}

// RabbitMQConfig holds broker connection settings.
type RabbitMQConfig struct {
	Hostname    string
	Port        int
	Username    string
	Password    string
	VirtualHost string
}

// URL returns the AMQP connection URL. The virtual host is set separately on dial.
func (c RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port)),
		Path:   "/",
	}
	return u.String()
}

// QueueConfig names the inbound and outbound queues.
type QueueConfig struct {
	Question string
	Answer   string
	Load     string
	Save     string
	Delete   string
}

// LLMConfig controls the chat and embedding models.
type LLMConfig struct {
	APIKey         string
	Model          string
	Temperature    float64
	EmbeddingModel string
}

// SearchConfig selects and authenticates the web search tool.
type SearchConfig struct {
	Provider       string
	GoogleAPIKey   string
	GoogleCSEID    string
	SerpAPIKey     string
	MaxResults     int
	RequestTimeout time.Duration
}

// IndexConfig controls the retrieval index and document splitting.
type IndexConfig struct {
	Name         string
	Dir          string
	Compress     bool
	RetrievalK   int
	ChunkSize    int
	ChunkOverlap int
}

// PipelineConfig controls request processing.
type PipelineConfig struct {
	MemoryWindow  int
	MaxIterations int
	MaxInFlight   int
	InvokeTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "3000"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		DBPath:         getEnv("DB_PATH", "./data/askstream.db"),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		RabbitMQ: RabbitMQConfig{
			Hostname:    getEnv("RABBITMQ_HOSTNAME", ""),
			Port:        getEnvInt("RABBITMQ_PORT", 5672),
			Username:    getEnv("RABBITMQ_USERNAME", ""),
			Password:    getEnv("RABBITMQ_PASSWORD", ""),
			VirtualHost: getEnv("RABBITMQ_VIRTUAL_HOST", ""),
		},
		Queues: QueueConfig{
			Question: getEnv("QUESTION_QUEUE", "GenerateQuestionQueue"),
			Answer:   getEnv("ANSWER_QUEUE", "GenerateAnswerQueue"),
			Load:     getEnv("LOAD_DOCUMENTS_QUEUE", "LoadDocumentsQueue"),
			Save:     getEnv("SAVE_DOCUMENTS_QUEUE", "SaveDocumentsQueue"),
			Delete:   getEnv("DELETE_DOCUMENTS_QUEUE", "DeleteDocumentsQueue"),
		},
		LLM: LLMConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
			Temperature:    getEnvFloat("OPENAI_TEMPERATURE", 0.3),
			EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Search: SearchConfig{
			Provider:      strings.ToLower(getEnv("SEARCH_PROVIDER", SearchGoogle)),
			GoogleAPIKey:  getEnv("GOOGLE_API_KEY", ""),
			GoogleCSEID:   getEnv("GOOGLE_CSE_ID", ""),
			SerpAPIKey:    getEnv("SERPAPI_API_KEY", ""),
			MaxResults:    getEnvInt("SEARCH_MAX_RESULTS", 5),
			RequestTimeout: getEnvDuration("SEARCH_TIMEOUT", 15*time.Second),
		},
		Index: IndexConfig{
			Name:         getEnv("INDEX_NAME", ""),
			Dir:          getEnv("VECTOR_STORE_DIR", "./data/vectors"),
			Compress:     getEnvBool("VECTOR_STORE_COMPRESS", false),
			RetrievalK:   getEnvInt("RETRIEVAL_K", 3),
			ChunkSize:    getEnvInt("CHUNK_SIZE", 1000),
			ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 0),
		},
		Pipeline: PipelineConfig{
			MemoryWindow:  getEnvInt("MEMORY_WINDOW", 4),
			MaxIterations: getEnvInt("MAX_ITERATIONS", 3),
			MaxInFlight:   getEnvInt("MAX_IN_FLIGHT", 0),
			InvokeTimeout: getEnvDuration("INVOKE_TIMEOUT", 2*time.Minute),
		},
		JournalRetention: getEnvDuration("JOURNAL_RETENTION", 7*24*time.Hour),
		GRPCHealthAddr:   getEnv("GRPC_HEALTH_ADDR", ":9090"),
		RedisURL:         getEnv("REDIS_URL", ""),
		SSEKeepalive:     getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"OPENAI_API_KEY", c.LLM.APIKey},
		{"INDEX_NAME", c.Index.Name},
		{"RABBITMQ_HOSTNAME", c.RabbitMQ.Hostname},
		{"RABBITMQ_USERNAME", c.RabbitMQ.Username},
		{"RABBITMQ_PASSWORD", c.RabbitMQ.Password},
		{"RABBITMQ_VIRTUAL_HOST", c.RabbitMQ.VirtualHost},
		{"PORT", c.Port},
		{"DB_PATH", c.DBPath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s cannot be empty", r.name)
		}
	}

	switch c.Search.Provider {
	case SearchGoogle:
		if c.Search.GoogleAPIKey == "" || c.Search.GoogleCSEID == "" {
			return fmt.Errorf("GOOGLE_API_KEY and GOOGLE_CSE_ID are required when SEARCH_PROVIDER=%s", SearchGoogle)
		}
	case SearchSerpAPI:
		if c.Search.SerpAPIKey == "" {
			return fmt.Errorf("SERPAPI_API_KEY is required when SEARCH_PROVIDER=%s", SearchSerpAPI)
		}
	case SearchDuckDuckGo, SearchNone:
	default:
		return fmt.Errorf("unknown SEARCH_PROVIDER %q", c.Search.Provider)
	}

	if c.RabbitMQ.Port <= 0 {
		return fmt.Errorf("RABBITMQ_PORT must be > 0")
	}
	if c.Index.RetrievalK <= 0 {
		return fmt.Errorf("RETRIEVAL_K must be > 0")
	}
	if c.Index.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be > 0")
	}
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE)")
	}
	if c.Pipeline.MemoryWindow <= 0 {
		return fmt.Errorf("MEMORY_WINDOW must be > 0")
	}
	if c.Pipeline.MaxIterations <= 0 {
		return fmt.Errorf("MAX_ITERATIONS must be > 0")
	}
	if c.Pipeline.MaxInFlight < 0 {
		return fmt.Errorf("MAX_IN_FLIGHT must be >= 0")
	}
	if c.Pipeline.InvokeTimeout <= 0 {
		return fmt.Errorf("INVOKE_TIMEOUT must be > 0")
	}
	if c.JournalRetention <= 0 {
		return fmt.Errorf("JOURNAL_RETENTION must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
