// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
	StoreNATS     = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSOrigins        []string
	StreamHeartbeat    time.Duration

	// Conversation store
	StoreBackend string
	DatabaseDSN  string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings. Auth on /api/v1 is off when the secret is empty.
	JWTSecret string

	// LLM settings
	LLMProvider     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	ArkAPIKey       string
	ArkBaseURL      string
	ArkRegion       string
	Model           string
	MaxTokens       int
	SystemPrompt    string
	GatewayTimeout  time.Duration

	// MentorURL points the gateway at another instance's /api/mentor
	// instead of calling a provider directly.
	MentorURL string

	// Conversation behavior
	MaxMessageLength int
	FailurePolicy    string
	SerializeSends   bool

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory, if present, fills in variables that are not already
// set.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:        getListEnv("CORS_ORIGINS"),
		StreamHeartbeat:    getDurationEnv("STREAM_HEARTBEAT", 30*time.Second),

		// Store
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		DatabaseDSN:  getEnv("DATABASE_DSN", "companion.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// LLM
		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		ArkAPIKey:       getEnv("ARK_API_KEY", ""),
		ArkBaseURL:      getEnv("ARK_BASE_URL", ""),
		ArkRegion:       getEnv("ARK_REGION", ""),
		Model:           getEnv("MODEL", ""),
		MaxTokens:       getIntEnv("MAX_TOKENS", 120),
		SystemPrompt:    getEnv("SYSTEM_PROMPT", ""),
		GatewayTimeout:  getDurationEnv("GATEWAY_TIMEOUT", 20*time.Second),
		MentorURL:       getEnv("MENTOR_URL", ""),

		// Conversation
		MaxMessageLength: getIntEnv("MAX_MESSAGE_LENGTH", 4000),
		FailurePolicy:    strings.ToLower(getEnv("FAILURE_POLICY", "visible")),
		SerializeSends:   getBoolEnv("SERIALIZE_SENDS", true),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// APIKey returns the credential for the configured provider.
func (c *Config) APIKey() string {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "ark":
		return c.ArkAPIKey
	}
	return ""
}

// BaseURL returns the endpoint override for the configured provider.
func (c *Config) BaseURL() string {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIBaseURL
	case "ark":
		return c.ArkBaseURL
	}
	return ""
}

// Validate reports settings the server cannot start with. A missing model
// credential is fatal unless the provider is "none" or a remote mentor is
// configured.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreMemory, StoreNATS:
	case StoreSQLite, StorePostgres, StoreMySQL:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN is required for SQL stores"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.MentorURL == "" {
		switch c.LLMProvider {
		case "none":
		case "openai", "anthropic", "ark":
			if c.APIKey() == "" {
				errs = append(errs, fmt.Errorf("no API key configured for LLM provider %q", c.LLMProvider))
			}
			if c.LLMProvider == "ark" && c.Model == "" {
				errs = append(errs, errors.New("MODEL is required for the ark provider"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
		}
	}

	switch c.FailurePolicy {
	case "silent", "visible":
	default:
		errs = append(errs, fmt.Errorf("unknown FAILURE_POLICY %q", c.FailurePolicy))
	}

	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
