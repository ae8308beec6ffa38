package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/api"
	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/speech"
	"github.com/BTreeMap/StagePipe/internal/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StagePipe state data
	DefaultStateDir = "/var/lib/stagepipe"
	// DefaultDBFileName is the default SQLite transcript archive filename
	DefaultDBFileName = "stagepipe.db"
	// DefaultConfigPath is the agent configuration used when none is given
	DefaultConfigPath = "configs/default.json"
)

// appConfig holds environment configuration. Command line flags are bound to the same fields and
// override whatever the environment provided.
type appConfig struct {
	ConfigPath   string `env:"CONFIG_PATH" envDefault:"configs/default.json"`
	OpenAIKey    string `env:"OPENAI_API_KEY"`
	OpenAIURL    string `env:"OPENAI_BASE_URL"`
	StateDir     string `env:"STAGEPIPE_STATE_DIR" envDefault:"/var/lib/stagepipe"`
	DatabaseURL  string `env:"DATABASE_URL"`
	APIAddr      string `env:"API_ADDR" envDefault:":8080"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	LogDir       string `env:"LOG_DIR"`
	HistoryTurns int    `env:"STAGEPIPE_HISTORY_TURNS"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (*appConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := &appConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	slog.Debug("environment variables loaded",
		"CONFIG_PATH", cfg.ConfigPath,
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"OPENAI_BASE_URL_SET", cfg.OpenAIURL != "",
		"STAGEPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"API_ADDR", cfg.APIAddr,
		"LOG_FORMAT", cfg.LogFormat,
		"TWILIO_SET", cfg.twilioConfigured())
	return cfg, nil
}

// archiveDSN returns the transcript archive DSN: DATABASE_URL when set, otherwise SQLite in the state directory.
func (c *appConfig) archiveDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// usesSQLite reports whether the archive lives in a local SQLite file.
func (c *appConfig) usesSQLite() bool {
	return store.DetectDSNType(c.archiveDSN()) != "postgres"
}

func (c *appConfig) twilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// ensureDirectoriesExist creates the state directory and the directory of a file-based archive.
func ensureDirectoriesExist(cfg *appConfig) error {
	dirs := []string{cfg.StateDir}
	if cfg.usesSQLite() {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(cfg.archiveDSN(), "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildGenAIOptions constructs GenAI configuration options from the environment and the agent's llm_settings.
func buildGenAIOptions(cfg *appConfig, llm models.LLMSettings) []genai.Option {
	var genaiOpts []genai.Option
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(cfg.OpenAIURL))
	}
	if llm.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(llm.Model))
	}
	genaiOpts = append(genaiOpts, genai.WithTemperature(llm.Temperature))
	return genaiOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(cfg *appConfig) []speech.TwilioOption {
	return []speech.TwilioOption{
		speech.WithAccountSID(cfg.TwilioAccountSID),
		speech.WithAuthToken(cfg.TwilioAuthToken),
		speech.WithFromNumber(cfg.TwilioFromNumber),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg *appConfig) []api.Option {
	var apiOpts []api.Option
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	if cfg.HistoryTurns > 0 {
		apiOpts = append(apiOpts, api.WithHistoryTurns(cfg.HistoryTurns))
	}
	return apiOpts
}

// newLLMClient returns a client when an API key is available. A nil interface means the agent runs
// without an LLM and only stage tools can move the flow.
func newLLMClient(cfg *appConfig, agent *models.Config) (genai.ClientInterface, error) {
	llm := agent.GlobalSettings.LLMSettings
	if !genai.ProviderSupported(llm.Provider) {
		slog.Warn("llm provider is not supported, falling back to OpenAI-compatible client", "provider", llm.Provider)
	}
	if cfg.OpenAIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		slog.Warn("OPENAI_API_KEY not set, running without an LLM")
		return nil, nil
	}
	client, err := genai.NewClient(buildGenAIOptions(cfg, llm)...)
	if err != nil {
		return nil, err
	}
	return client, nil
}
