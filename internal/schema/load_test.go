package schema_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/schema"
	"github.com/BTreeMap/StagePipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
global_settings:
  llm_settings: {provider: openai, model: gpt-4o-mini, temperature: 0.2}
  stt_settings: {provider: deepgram, model: nova-2, language: en}
  tts_settings: {provider: cartesia, model: sonic-english, voice: calm}
agent_config:
  name: Front Desk
  base_instructions: Be brief.
  closing_message: See you soon.
flow:
  start_stage: welcome
  stages:
    welcome:
      id: welcome
      name: Welcome
      greeting: Hi there!
      prompt: Ask how you can help.
      completion_criteria: Caller stated a need.
      context_updates:
        desk: front
        floor: 3
      next_stages:
        - stage_id: END
          condition: bye
`

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, testutil.ConfigJSON(t), 0o600))

	cfg, err := schema.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Acme Support", cfg.AgentConfig.Name)
	assert.Equal(t, "greeting", cfg.Flow.StartStage)
	assert.Len(t, cfg.Flow.Stages, 5)
	assert.Equal(t, 0.7, cfg.GlobalSettings.LLMSettings.Temperature)

	greeting := cfg.Flow.Stages["greeting"]
	require.Len(t, greeting.NextStages, 2)
	assert.Equal(t, "billing", greeting.NextStages[0].TargetStageID)
	assert.Equal(t, 100, greeting.NextStages[0].Priority)
	assert.Equal(t, "Acme", greeting.ContextUpdates["company"])
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))

	cfg, err := schema.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Front Desk", cfg.AgentConfig.Name)
	assert.Equal(t, "See you soon.", cfg.AgentConfig.Farewell())
	welcome := cfg.Flow.Stages["welcome"]
	require.Len(t, welcome.NextStages, 1)
	assert.Equal(t, models.EndStageID, welcome.NextStages[0].TargetStageID)
	assert.Equal(t, models.DefaultTransitionPriority, welcome.NextStages[0].Priority)
	assert.Equal(t, float64(3), welcome.ContextUpdates["floor"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := schema.Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format schema.Format
	}{
		{"malformed json", `{"flow": `, schema.FormatJSON},
		{"empty yaml", ``, schema.FormatYAML},
		{"json null", `null`, schema.FormatJSON},
		{"missing sections", `{"flow": {}}`, schema.FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := schema.Parse([]byte(tt.data), tt.format)
			assert.Nil(t, cfg)
			var cfgErr *schema.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestParse_WrongFieldTypeIsConfigError(t *testing.T) {
	raw := testutil.RawConfig()
	raw["agent_config"].(map[string]interface{})["name"] = 42

	_, err := schema.Decode(raw)
	var cfgErr *schema.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, schema.FormatYAML, schema.FormatForPath("a/b.yaml"))
	assert.Equal(t, schema.FormatYAML, schema.FormatForPath("B.YML"))
	assert.Equal(t, schema.FormatJSON, schema.FormatForPath("agent.json"))
	assert.Equal(t, schema.FormatJSON, schema.FormatForPath("agent"))
}

func TestSummarize(t *testing.T) {
	summary := schema.Summarize(testutil.Config(t))

	assert.Equal(t, "Acme Support", summary.AgentName)
	assert.Equal(t, "stages", summary.SchemaType)
	assert.Equal(t, "greeting", summary.StartStage)
	assert.Equal(t, 5, summary.TotalStages)
	assert.Equal(t, []string{"billing", "completion", "goodbye", "greeting", "support"}, summary.StageList)
	assert.Equal(t, "gpt-4o-mini", summary.LLMModel)
	assert.Equal(t, "deepgram", summary.STTProvider)
	assert.Equal(t, "cartesia", summary.TTSProvider)
}
