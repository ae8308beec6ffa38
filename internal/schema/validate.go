// Package schema validates and loads StagePipe agent configuration documents.
//
// Validation runs on the raw decoded document before anything is trusted, checks fields in a fixed
// order and stops at the first problem. A document either loads completely or is rejected.
package schema

import (
	"log/slog"
	"sort"

	"github.com/BTreeMap/StagePipe/internal/models"
)

var requiredTopLevel = []string{"global_settings", "agent_config", "flow"}

var requiredSettings = []struct {
	section string
	fields  []string
}{
	{"llm_settings", []string{"provider", "model", "temperature"}},
	{"stt_settings", []string{"provider", "model", "language"}},
	{"tts_settings", []string{"provider", "model", "voice"}},
}

var requiredAgentFields = []string{"name", "base_instructions"}

var requiredStageFields = []string{"id", "name", "prompt", "completion_criteria"}

// Validate checks a raw configuration document against the required structure.
// It returns a *ConfigError naming the first missing or invalid field.
func Validate(raw map[string]interface{}) error {
	slog.Debug("schema.Validate: starting configuration validation")

	for _, key := range requiredTopLevel {
		if _, ok := raw[key]; !ok {
			return missing("", key)
		}
	}

	if err := validateGlobalSettings(raw["global_settings"]); err != nil {
		return err
	}
	if err := validateAgentConfig(raw["agent_config"]); err != nil {
		return err
	}
	if err := validateFlow(raw["flow"]); err != nil {
		return err
	}

	slog.Debug("schema.Validate: configuration validation passed")
	return nil
}

func validateGlobalSettings(v interface{}) error {
	settings, ok := v.(map[string]interface{})
	if !ok {
		return invalid("", "global_settings", "must be an object")
	}
	for _, req := range requiredSettings {
		if _, ok := settings[req.section]; !ok {
			return missing("global_settings", req.section)
		}
	}
	for _, req := range requiredSettings {
		section, ok := settings[req.section].(map[string]interface{})
		if !ok {
			return invalid("global_settings", req.section, "must be an object")
		}
		for _, field := range req.fields {
			if _, ok := section[field]; !ok {
				return missing(req.section, field)
			}
		}
	}
	slog.Debug("schema.validateGlobalSettings: global settings validation passed")
	return nil
}

func validateAgentConfig(v interface{}) error {
	agent, ok := v.(map[string]interface{})
	if !ok {
		return invalid("", "agent_config", "must be an object")
	}
	for _, field := range requiredAgentFields {
		if _, ok := agent[field]; !ok {
			return missing("agent_config", field)
		}
	}
	slog.Debug("schema.validateAgentConfig: agent config validation passed")
	return nil
}

func validateFlow(v interface{}) error {
	flow, ok := v.(map[string]interface{})
	if !ok {
		return invalid("", "flow", "must be an object")
	}
	if _, ok := flow["start_stage"]; !ok {
		return missing("flow", "start_stage")
	}
	if _, ok := flow["stages"]; !ok {
		return missing("flow", "stages")
	}

	stages, ok := flow["stages"].(map[string]interface{})
	if !ok {
		return invalid("flow", "stages", "must be an object keyed by stage id")
	}
	startStage, ok := flow["start_stage"].(string)
	if !ok {
		return invalid("flow", "start_stage", "must be a string")
	}
	if _, ok := stages[startStage]; !ok {
		return invalid("flow", "start_stage", "start_stage \""+startStage+"\" not found in stages")
	}

	ids := make([]string, 0, len(stages))
	for id := range stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := validateStage(id, stages[id], stages); err != nil {
			return err
		}
	}
	slog.Debug("schema.validateFlow: stage flow validation passed", "stages", len(stages))
	return nil
}

func validateStage(stageID string, v interface{}, all map[string]interface{}) error {
	stage, ok := v.(map[string]interface{})
	if !ok {
		return &ConfigError{Section: "stages", Stage: stageID, Reason: "stage must be an object"}
	}
	for _, field := range requiredStageFields {
		if _, ok := stage[field]; !ok {
			return &ConfigError{Field: field, Stage: stageID}
		}
	}
	if id, _ := stage["id"].(string); id != stageID {
		return &ConfigError{Field: "id", Stage: stageID, Reason: "id does not match its key in stages"}
	}

	rawNext, ok := stage["next_stages"]
	if !ok || rawNext == nil {
		return nil
	}
	next, ok := rawNext.([]interface{})
	if !ok {
		return &ConfigError{Field: "next_stages", Stage: stageID, Reason: "must be a list"}
	}
	for _, entry := range next {
		transition, ok := entry.(map[string]interface{})
		if !ok {
			return &ConfigError{Section: "next_stages", Stage: stageID, Reason: "entry must be an object"}
		}
		if _, ok := transition["stage_id"]; !ok {
			return &ConfigError{Section: "next_stages", Field: "stage_id", Stage: stageID}
		}
		if _, ok := transition["condition"]; !ok {
			return &ConfigError{Section: "next_stages", Field: "condition", Stage: stageID}
		}
		target, ok := transition["stage_id"].(string)
		if !ok {
			return &ConfigError{Section: "next_stages", Field: "stage_id", Stage: stageID, Reason: "must be a string"}
		}
		if target == models.EndStageID {
			continue
		}
		if _, ok := all[target]; !ok {
			return &ConfigError{Section: "next_stages", Field: "stage_id", Stage: stageID,
				Reason: "references non-existent stage \"" + target + "\""}
		}
	}
	slog.Debug("schema.validateStage: stage validation passed", "stage", stageID)
	return nil
}
