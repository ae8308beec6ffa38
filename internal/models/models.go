// Package models defines the core data structures for StagePipe.
//
// It includes the stage configuration, session history records and the request/response
// payloads shared between the API, the flow engine and the store.
package models

import (
	"errors"
	"strings"
)

// Input limits.
const (
	// MaxUtteranceLength is the maximum accepted length of a single user utterance.
	MaxUtteranceLength = 8192
	// MaxToolArgumentsLength is the maximum accepted size of raw tool arguments.
	MaxToolArgumentsLength = 4096
)

var (
	ErrEmptyUtterance   = errors.New("utterance text cannot be empty")
	ErrUtteranceTooLong = errors.New("utterance text exceeds maximum length")
	ErrToolArgsTooLong  = errors.New("tool arguments exceed maximum length")
	ErrInvalidRecipient = errors.New("recipient must be in E.164 format")
	ErrUnknownToolName  = errors.New("unknown stage tool")
	ErrEmptyContextKey  = errors.New("context keys cannot be empty")
)

// APIStatus is the status field of every API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
	// APIStatusEnded marks a response to the request that ended the conversation.
	APIStatusEnded APIStatus = "ended"
)

// APIResponse is the JSON envelope returned by every endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps result in an "ok" response.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage is Success with a human readable message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error builds an "error" response.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Ended reports that the request ended the conversation.
func Ended(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusEnded), Message: message, Result: result}
}

// SessionCreateRequest is the payload for POST /sessions.
type SessionCreateRequest struct {
	// Recipient optionally routes spoken output through the Twilio channel (E.164, e.g. +15551234567).
	Recipient string `json:"recipient,omitempty"`
	// Context seeds the session context before the start stage is entered, e.g. {"customer_name": "Ana"}.
	// Stage context_updates overwrite seeded keys.
	Context map[string]interface{} `json:"context,omitempty"`
}

// Validate validates a SessionCreateRequest.
func (r *SessionCreateRequest) Validate() error {
	for k := range r.Context {
		if strings.TrimSpace(k) == "" {
			return ErrEmptyContextKey
		}
	}
	if r.Recipient == "" {
		return nil
	}
	if !strings.HasPrefix(r.Recipient, "+") || len(r.Recipient) < 8 {
		return ErrInvalidRecipient
	}
	for _, c := range r.Recipient[1:] {
		if c < '0' || c > '9' {
			return ErrInvalidRecipient
		}
	}
	return nil
}

// UtteranceRequest is the payload for POST /sessions/{id}/utterances.
type UtteranceRequest struct {
	Text string `json:"text"`
}

// Validate validates an UtteranceRequest.
func (r *UtteranceRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyUtterance
	}
	if len(r.Text) > MaxUtteranceLength {
		return ErrUtteranceTooLong
	}
	return nil
}

// ToolInvocationRequest is the payload for POST /sessions/{id}/tools/{name}.
type ToolInvocationRequest struct {
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// SessionView is the externally visible snapshot of a session.
type SessionView struct {
	ID             string                 `json:"id"`
	AgentName      string                 `json:"agent_name"`
	CurrentStageID string                 `json:"current_stage_id"`
	Ended          bool                   `json:"ended"`
	Context        map[string]interface{} `json:"context"`
	History        []HistoryEntry         `json:"history"`
	Live           bool                   `json:"live"`
	Greeting       string                 `json:"greeting,omitempty"` // rendered greeting of the current stage
}

// UtteranceResult is returned after a user utterance has been processed.
type UtteranceResult struct {
	Reply          string `json:"reply"`
	CurrentStageID string `json:"current_stage_id"`
	Ended          bool   `json:"ended"`
}

// ToolResult is returned after a stage tool has been invoked.
type ToolResult struct {
	Tool           string `json:"tool"`
	Outcome        string `json:"outcome"`
	Message        string `json:"message"`
	CurrentStageID string `json:"current_stage_id"`
	Ended          bool   `json:"ended"`
}
