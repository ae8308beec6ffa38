// Package testutil provides common test fixtures and helpers for StagePipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// RawConfig returns a fresh, structurally complete configuration document.
//
// Stage graph:
//
//	greeting   -> billing ("bill payment", 100), support ("help broken", 50)
//	billing    -> END ("done finished")
//	support    -> completion ("resolved fixed", 60), goodbye ("bye", 40)
//	completion -> goodbye ("bye")
//	goodbye    (terminal stage, no transitions)
func RawConfig() map[string]interface{} {
	return map[string]interface{}{
		"global_settings": map[string]interface{}{
			"llm_settings": map[string]interface{}{"provider": "openai", "model": "gpt-4o-mini", "temperature": 0.7},
			"stt_settings": map[string]interface{}{"provider": "deepgram", "model": "nova-2", "language": "en"},
			"tts_settings": map[string]interface{}{"provider": "cartesia", "model": "sonic-english", "voice": "calm-voice"},
		},
		"agent_config": map[string]interface{}{
			"name":              "Acme Support",
			"base_instructions": "You are a friendly support agent for Acme.",
		},
		"flow": map[string]interface{}{
			"start_stage": "greeting",
			"stages": map[string]interface{}{
				"greeting": stage("greeting", "Greeting",
					"Hello! Thanks for calling {{company}}.",
					"Find out why {{customer_name}} is calling {{company}}.",
					map[string]interface{}{"company": "Acme"},
					transition("billing", "bill payment", 100),
					transition("support", "help broken", 50),
				),
				"billing": stage("billing", "Billing",
					"Let's sort out your bill.",
					"Help the caller with a payment in the {{department}} department.",
					map[string]interface{}{"department": "billing"},
					transition(models.EndStageID, "done finished", 50),
				),
				"support": stage("support", "Support",
					"I can help with that.",
					"Troubleshoot the problem for the {{department}} team.",
					map[string]interface{}{"department": "support"},
					transition("completion", "resolved fixed", 60),
					transition("goodbye", "bye", 40),
				),
				"completion": stage("completion", "Completion",
					"Great, we're all done.",
					"Confirm everything is resolved.",
					nil,
					transition("goodbye", "bye", 50),
				),
				"goodbye": stage("goodbye", "Goodbye",
					"Goodbye from {{company}}!",
					"Say goodbye politely.",
					nil,
				),
			},
		},
	}
}

func stage(id, name, greeting, prompt string, updates map[string]interface{}, next ...map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"id":                  id,
		"name":                name,
		"description":         name + " stage",
		"greeting":            greeting,
		"prompt":              prompt,
		"completion_criteria": name + " objective met",
	}
	if updates != nil {
		s["context_updates"] = updates
	}
	if len(next) > 0 {
		list := make([]interface{}, 0, len(next))
		for _, n := range next {
			list = append(list, n)
		}
		s["next_stages"] = list
	}
	return s
}

func transition(target, condition string, priority int) map[string]interface{} {
	return map[string]interface{}{"stage_id": target, "condition": condition, "priority": priority}
}

// Stages returns the stages section of a raw document for in-place edits.
func Stages(raw map[string]interface{}) map[string]interface{} {
	return raw["flow"].(map[string]interface{})["stages"].(map[string]interface{})
}

// ConfigJSON returns RawConfig encoded as JSON.
func ConfigJSON(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(RawConfig())
	if err != nil {
		t.Fatalf("failed to marshal config fixture: %v", err)
	}
	return data
}

// Config returns the typed form of RawConfig.
func Config(t *testing.T) *models.Config {
	t.Helper()
	return ConfigFromRaw(t, RawConfig())
}

// ConfigFromRaw decodes a raw document into models.Config without validating it.
func ConfigFromRaw(t *testing.T, raw map[string]interface{}) *models.Config {
	t.Helper()
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("failed to marshal config fixture: %v", err)
	}
	var cfg models.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to decode config fixture: %v", err)
	}
	return &cfg
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s' (message: %v)", expectedStatus, status, response["message"])
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
