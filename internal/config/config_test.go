package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{
		"PORT", "OPENAI_API_KEY", "STORE_BACKEND", "LLM_PROVIDER", "MAX_TOKENS", "GATEWAY_TIMEOUT",
		"MAX_MESSAGE_LENGTH", "FAILURE_POLICY", "SERIALIZE_SENDS", "JWT_SECRET",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, 120, cfg.MaxTokens)
	assert.Equal(t, 20*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 4000, cfg.MaxMessageLength)
	assert.Equal(t, "visible", cfg.FailurePolicy)
	assert.True(t, cfg.SerializeSends)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LLM_PROVIDER", "Anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("GATEWAY_TIMEOUT", "5s")
	t.Setenv("SERIALIZE_SENDS", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("MAX_TOKENS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, "sk-ant", cfg.APIKey())
	assert.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	assert.False(t, cfg.SerializeSends)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 120, cfg.MaxTokens)
}

func validConfig() *Config {
	return &Config{
		StoreBackend:     StoreMemory,
		LLMProvider:      "openai",
		OpenAIAPIKey:     "sk-test",
		FailurePolicy:    "visible",
		MaxMessageLength: 4000,
		GatewayTimeout:   20 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing key", func(c *Config) { c.OpenAIAPIKey = "" }, "no API key"},
		{"provider none", func(c *Config) { c.LLMProvider = "none"; c.OpenAIAPIKey = "" }, ""},
		{"remote mentor", func(c *Config) { c.MentorURL = "http://mentor/api/mentor"; c.OpenAIAPIKey = "" }, ""},
		{"unknown provider", func(c *Config) { c.LLMProvider = "gemini" }, "unknown LLM_PROVIDER"},
		{"ark without model", func(c *Config) { c.LLMProvider = "ark"; c.ArkAPIKey = "k" }, "MODEL is required"},
		{"unknown store", func(c *Config) { c.StoreBackend = "redis" }, "unknown STORE_BACKEND"},
		{"sql without dsn", func(c *Config) { c.StoreBackend = StorePostgres }, "DATABASE_DSN"},
		{"bad policy", func(c *Config) { c.FailurePolicy = "loud" }, "FAILURE_POLICY"},
		{"zero length", func(c *Config) { c.MaxMessageLength = 0 }, "MAX_MESSAGE_LENGTH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
