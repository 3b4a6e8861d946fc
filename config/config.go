// Package config loads scribe's settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	OpenAIAPIKey     string `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel      string `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL    string `mapstructure:"OPENAI_BASE_URL"`
	DeepgramAPIKey   string `mapstructure:"DEEPGRAM_API_KEY"`
	GroqAPIKey       string `mapstructure:"GROQ_API_KEY"`
	BillingCodesPath string `mapstructure:"BILLING_CODES_PATH"`
	Language         string `mapstructure:"LANGUAGE"`

	ServerURL       string        `mapstructure:"SERVER_URL"`
	WSURL           string        `mapstructure:"WS_URL"`
	ChannelMode     string        `mapstructure:"CHANNEL_MODE"`
	BatchFormat     string        `mapstructure:"BATCH_FORMAT"`
	ResultTimeout   time.Duration `mapstructure:"RESULT_TIMEOUT"`
	ChunkInterval   time.Duration `mapstructure:"CHUNK_INTERVAL"`
	AutoStopSilence bool          `mapstructure:"AUTO_STOP_SILENCE"`
	StorePath       string        `mapstructure:"STORE_PATH"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "DEEPGRAM_API_KEY", "GROQ_API_KEY",
	"BILLING_CODES_PATH", "LANGUAGE",
	"SERVER_URL", "WS_URL", "CHANNEL_MODE", "BATCH_FORMAT", "RESULT_TIMEOUT",
	"CHUNK_INTERVAL", "AUTO_STOP_SILENCE", "STORE_PATH",
}

// Load reads ./.env (if present) and the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit .env path. A missing file is not an
// error; values already in the environment win over the file.
func LoadFile(envFile string) (*Config, error) {
	// Exported so libraries that read the environment themselves see it.
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("LANGUAGE", "en")
	v.SetDefault("SERVER_URL", "http://localhost:8000")
	v.SetDefault("CHANNEL_MODE", "stream")
	v.SetDefault("BATCH_FORMAT", "flac")
	v.SetDefault("RESULT_TIMEOUT", "2m")
	v.SetDefault("CHUNK_INTERVAL", "1s")
	v.SetDefault("AUTO_STOP_SILENCE", false)

	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.ChannelMode = strings.ToLower(cfg.ChannelMode)
	cfg.BatchFormat = strings.ToLower(cfg.BatchFormat)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var errs []error
	switch c.ChannelMode {
	case "stream", "batch":
	default:
		errs = append(errs, fmt.Errorf("CHANNEL_MODE must be \"stream\" or \"batch\", got %q", c.ChannelMode))
	}
	switch c.BatchFormat {
	case "flac", "wav":
	default:
		errs = append(errs, fmt.Errorf("BATCH_FORMAT must be \"flac\" or \"wav\", got %q", c.BatchFormat))
	}
	if c.ResultTimeout < 0 {
		errs = append(errs, fmt.Errorf("RESULT_TIMEOUT must not be negative, got %s", c.ResultTimeout))
	}
	if c.ChunkInterval <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_INTERVAL must be positive, got %s", c.ChunkInterval))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	return errors.Join(errs...)
}

// StreamURL is the websocket endpoint for live sessions. It defaults to
// SERVER_URL with a ws scheme.
func (c *Config) StreamURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	base := strings.TrimRight(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/process-visit"
}

// BatchURL is the upload endpoint for batch sessions.
func (c *Config) BatchURL() string {
	return strings.TrimRight(c.ServerURL, "/") + "/api/process-visit"
}

// ResolvedStorePath returns STORE_PATH or the per-user default.
func (c *Config) ResolvedStorePath() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "scribe-state.json")
	}
	return filepath.Join(dir, "scribe", "state.json")
}
