package models

import (
	"encoding/json"
	"sort"
)

// EndStageID is the sentinel transition target that terminates a conversation.
const EndStageID = "END"

// DefaultTransitionPriority is applied to transitions that do not declare a priority.
const DefaultTransitionPriority = 50

// DefaultClosingMessage is spoken when a conversation ends without a dedicated stage.
const DefaultClosingMessage = "Thank you for contacting us. Have a great day!"

// Config is a fully validated agent configuration document.
type Config struct {
	GlobalSettings GlobalSettings `json:"global_settings"`
	AgentConfig    AgentConfig    `json:"agent_config"`
	Flow           Flow           `json:"flow"`
}

// GlobalSettings carries provider selection for the external collaborators.
// The stage engine passes these through without interpreting them.
type GlobalSettings struct {
	LLMSettings LLMSettings `json:"llm_settings"`
	STTSettings STTSettings `json:"stt_settings"`
	TTSSettings TTSSettings `json:"tts_settings"`
}

// LLMSettings selects the language model used to drive the conversation.
type LLMSettings struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// STTSettings selects the speech-to-text provider.
type STTSettings struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

// TTSSettings selects the text-to-speech provider.
type TTSSettings struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Voice    string `json:"voice"`
}

// AgentConfig describes the agent persona shared by every stage.
type AgentConfig struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	BaseInstructions string `json:"base_instructions"`
	ClosingMessage   string `json:"closing_message,omitempty"` // optional farewell override
}

// Farewell returns the configured closing message or the default one.
func (a AgentConfig) Farewell() string {
	if a.ClosingMessage != "" {
		return a.ClosingMessage
	}
	return DefaultClosingMessage
}

// Flow is the stage graph together with its entry point.
type Flow struct {
	StartStage string                     `json:"start_stage"`
	Stages     map[string]StageDefinition `json:"stages"`
}

// StageIDs returns the stage ids in ascending order.
func (f Flow) StageIDs() []string {
	ids := make([]string, 0, len(f.Stages))
	for id := range f.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StageDefinition is a single conversation stage. Immutable once loaded.
type StageDefinition struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Greeting           string         `json:"greeting"`
	Prompt             string         `json:"prompt"`
	CompletionCriteria string         `json:"completion_criteria"`
	ContextUpdates     map[string]any `json:"context_updates,omitempty"`
	NextStages         []Transition   `json:"next_stages,omitempty"`
}

// TargetIDs returns the declared transition targets in declaration order.
func (s StageDefinition) TargetIDs() []string {
	targets := make([]string, 0, len(s.NextStages))
	for _, t := range s.NextStages {
		targets = append(targets, t.TargetStageID)
	}
	return targets
}

// HasTarget reports whether the stage declares a transition to target.
func (s StageDefinition) HasTarget(target string) bool {
	for _, t := range s.NextStages {
		if t.TargetStageID == target {
			return true
		}
	}
	return false
}

// Transition is a directed, conditioned and prioritized edge out of a stage.
type Transition struct {
	TargetStageID string `json:"stage_id"`
	Condition     string `json:"condition"`
	Priority      int    `json:"priority"`
}

// UnmarshalJSON applies DefaultTransitionPriority when priority is absent.
func (t *Transition) UnmarshalJSON(data []byte) error {
	type rawTransition struct {
		TargetStageID string `json:"stage_id"`
		Condition     string `json:"condition"`
		Priority      *int   `json:"priority"`
	}
	var raw rawTransition
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.TargetStageID = raw.TargetStageID
	t.Condition = raw.Condition
	t.Priority = DefaultTransitionPriority
	if raw.Priority != nil {
		t.Priority = *raw.Priority
	}
	return nil
}
