package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/schema"
)

// healthHandler handles GET /healthz
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"agent":         s.engine.Config().AgentConfig.Name,
		"live_sessions": s.registry.Len(),
		"llm":           s.gaClient != nil,
	}))
}

// configHandler handles GET /config
func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(schema.Summarize(s.engine.Config())))
}

// listSessionsHandler handles GET /sessions
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	result := map[string]interface{}{"live": s.registry.IDs()}
	if s.st != nil {
		archived, err := s.st.ListSessions(r.Context())
		if err != nil {
			slog.Error("Server.listSessionsHandler: failed to list archived sessions", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list archived sessions"))
			return
		}
		result["archived"] = archived
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// createSessionHandler handles POST /sessions
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createSessionHandler: processing request", "method", r.Method, "path", r.URL.Path)

	var req models.SessionCreateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createSessionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.Recipient != "" && s.opts.Sender == nil {
		slog.Warn("Server.createSessionHandler: recipient given but Twilio is not configured")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Twilio channel not configured"))
		return
	}

	conv, _, err := s.newConversation(r.Context(), req.Recipient, req.Context, nil)
	if err != nil {
		slog.Error("Server.createSessionHandler: failed to start conversation", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		return
	}

	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Conversation started", liveView(conv)))
}

// getSessionHandler handles GET /sessions/{id}. Live sessions are served from memory, ended and
// torn-down sessions from the archive.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if conv, ok := s.registry.Get(id); ok {
		writeJSONResponse(w, http.StatusOK, models.Success(liveView(conv)))
		return
	}
	if s.st == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}

	rec, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load archived session", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if rec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	history, err := s.st.GetHistory(r.Context(), id)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load archived history", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session history"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(models.SessionView{
		ID:             rec.ID,
		AgentName:      rec.AgentName,
		CurrentStageID: rec.CurrentStageID,
		Ended:          rec.Ended,
		Context:        rec.Context,
		History:        history,
	}))
}

// deleteSessionHandler handles DELETE /sessions/{id}. With ?purge=true the archived record and
// transcript are deleted as well.
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	purge := false
	if v := r.URL.Query().Get("purge"); v != "" {
		var err error
		if purge, err = strconv.ParseBool(v); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid purge value"))
			return
		}
	}

	removed := s.removeConversation(id)
	if removed {
		slog.Info("Server.deleteSessionHandler: conversation torn down", "sessionID", id)
	}
	if !purge || s.st == nil {
		if !removed {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session removed", nil))
		return
	}

	rec, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Server.deleteSessionHandler: failed to load archived session", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if rec == nil && !removed {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err := s.st.DeleteSession(r.Context(), id); err != nil {
		slog.Error("Server.deleteSessionHandler: failed to purge archive", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to purge session"))
		return
	}
	slog.Info("Server.deleteSessionHandler: archive purged", "sessionID", id, "wasLive", removed)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session removed and purged", nil))
}

// utteranceHandler handles POST /sessions/{id}/utterances
func (s *Server) utteranceHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, ok := s.registry.Get(id)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if s.gaClient == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("LLM client not configured"))
		return
	}

	var req models.UtteranceRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.utteranceHandler: failed to decode JSON", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := conv.HandleUtterance(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, flow.ErrSessionEnded) {
			writeJSONResponse(w, http.StatusConflict, models.Error("Conversation has ended"))
			return
		}
		slog.Error("Server.utteranceHandler: failed to handle utterance", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to generate reply"))
		return
	}

	session := conv.Session()
	result := models.UtteranceResult{Reply: reply, CurrentStageID: session.CurrentStageID(), Ended: session.Ended()}
	if s.retireIfEnded(conv) {
		writeJSONResponse(w, http.StatusOK, models.Ended("Conversation ended", result))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// toolHandler handles POST /sessions/{id}/tools/{name}. It runs a stage tool directly, which is how
// operators and tests drive transitions without an LLM.
func (s *Server) toolHandler(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	conv, ok := s.registry.Get(id)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if !models.IsValidToolType(name) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown tool: "+name))
		return
	}

	var req models.ToolInvocationRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	args, err := json.Marshal(req.Arguments)
	if err != nil || req.Arguments == nil {
		args = json.RawMessage("{}")
	}

	exec, err := conv.InvokeTool(r.Context(), name, args)
	if err != nil {
		slog.Warn("Server.toolHandler: tool rejected", "sessionID", id, "tool", name, "error", err)
		writeJSONResponse(w, statusForFlowError(err), models.Error(flow.ToolResultText(exec, err)))
		return
	}

	session := conv.Session()
	result := models.ToolResult{
		Tool:           name,
		Outcome:        string(exec.Outcome.Kind),
		Message:        exec.Message,
		CurrentStageID: session.CurrentStageID(),
		Ended:          session.Ended(),
	}
	if s.retireIfEnded(conv) {
		writeJSONResponse(w, http.StatusOK, models.Ended("Conversation ended", result))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func liveView(conv *flow.Conversation) models.SessionView {
	snap := conv.Session().Snapshot()
	view := models.SessionView{
		ID:             snap.SessionID,
		AgentName:      conv.Session().Engine().Config().AgentConfig.Name,
		CurrentStageID: snap.CurrentStageID,
		Ended:          snap.Ended,
		Context:        snap.Context,
		History:        snap.History,
		Live:           true,
	}
	if snap.Descriptor != nil {
		view.Greeting = snap.Descriptor.Greeting
	}
	return view
}
