package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/models"
	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a configuration document.
type Format string

const (
	// FormatJSON is the canonical wire format.
	FormatJSON Format = "json"
	// FormatYAML is accepted for hand-authored configs and decoded to the same structure.
	FormatYAML Format = "yaml"
)

// FormatForPath picks the document format from the file extension, defaulting to JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads, validates and decodes the configuration file at path.
func Load(path string) (*models.Config, error) {
	slog.Debug("schema.Load: loading configuration", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("schema.Load: failed to read configuration file", "path", path, "error", err)
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := Parse(data, FormatForPath(path))
	if err != nil {
		slog.Error("schema.Load: configuration rejected", "path", path, "error", err)
		return nil, err
	}

	slog.Info("schema.Load: configuration loaded", "path", path, "agent", cfg.AgentConfig.Name, "stages", len(cfg.Flow.Stages))
	return cfg, nil
}

// Parse decodes a raw document, validates it and returns the typed configuration.
func Parse(data []byte, format Format) (*models.Config, error) {
	raw, err := decodeRaw(data, format)
	if err != nil {
		return nil, err
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode converts an already validated raw document into a models.Config.
func Decode(raw map[string]interface{}) (*models.Config, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, &ConfigError{Reason: "cannot re-encode document: " + err.Error()}
	}

	var cfg models.Config
	dec := json.NewDecoder(bytes.NewReader(encoded))
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Reason: "field has the wrong type: " + err.Error()}
	}
	if cfg.Flow.Stages == nil {
		cfg.Flow.Stages = map[string]models.StageDefinition{}
	}
	return &cfg, nil
}

func decodeRaw(data []byte, format Format) (map[string]interface{}, error) {
	var raw map[string]interface{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Reason: "invalid YAML: " + err.Error()}
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Reason: "invalid JSON: " + err.Error()}
		}
	}
	if raw == nil {
		return nil, &ConfigError{Reason: "document is empty"}
	}
	return raw, nil
}

// Summary is a short description of a loaded configuration.
type Summary struct {
	AgentName   string   `json:"agent_name"`
	SchemaType  string   `json:"schema_type"`
	StartStage  string   `json:"start_stage"`
	TotalStages int      `json:"total_stages"`
	StageList   []string `json:"stage_list"`
	LLMModel    string   `json:"llm_model"`
	STTProvider string   `json:"stt_provider"`
	TTSProvider string   `json:"tts_provider"`
}

// Summarize builds a Summary for cfg.
func Summarize(cfg *models.Config) Summary {
	return Summary{
		AgentName:   cfg.AgentConfig.Name,
		SchemaType:  "stages",
		StartStage:  cfg.Flow.StartStage,
		TotalStages: len(cfg.Flow.Stages),
		StageList:   cfg.Flow.StageIDs(),
		LLMModel:    cfg.GlobalSettings.LLMSettings.Model,
		STTProvider: cfg.GlobalSettings.STTSettings.Provider,
		TTSProvider: cfg.GlobalSettings.TTSSettings.Provider,
	}
}
