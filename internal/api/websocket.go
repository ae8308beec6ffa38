package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/gorilla/websocket"
)

// NewSessionPath is the session id that asks the websocket endpoint to start a fresh conversation.
const NewSessionPath = "new"

const (
	wsMaxMessageBytes = 16 << 10
	wsWriteTimeout    = 10 * time.Second
)

// Frame types exchanged over the websocket.
const (
	FrameUtterance = "utterance" // client -> server
	FrameTool      = "tool"      // client -> server
	FrameSession   = "session"   // server -> client, sent once after connecting
	FrameSpeech    = "speech"    // server -> client, everything the agent says
	FrameReply     = "reply"     // server -> client, result of an utterance or tool frame
	FrameError     = "error"     // server -> client
	FrameEnded     = "ended"     // server -> client, sent before closing
)

// Frame is a single websocket message in either direction.
type Frame struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	StageID   string                 `json:"stage_id,omitempty"`
	Outcome   string                 `json:"outcome,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(f)
}

// Say implements speech.Output so a connection can listen to a session.
func (c *wsConn) Say(ctx context.Context, sessionID, text string) error {
	if text == "" {
		return nil
	}
	return c.write(Frame{Type: FrameSpeech, SessionID: sessionID, Text: text})
}

// websocketHandler handles GET /sessions/{id}/ws. Use the id "new" to start a conversation; its
// greeting arrives as a speech frame ahead of the session frame.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id != NewSessionPath {
		if _, ok := s.registry.Get(id); !ok {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.websocketHandler: upgrade failed", "sessionID", id, "error", err)
		return
	}
	defer raw.Close()
	raw.SetReadLimit(wsMaxMessageBytes)
	conn := &wsConn{conn: raw}
	ctx := r.Context()

	var conv *flow.Conversation
	if id == NewSessionPath {
		var detach func()
		conv, detach, err = s.newConversation(ctx, "", nil, conn)
		if err != nil {
			slog.Error("Server.websocketHandler: failed to start conversation", "error", err)
			_ = conn.write(Frame{Type: FrameError, Message: "Failed to start conversation"})
			return
		}
		id = conv.ID()
		// A conversation started by this connection lives only as long as the connection.
		defer func() {
			detach()
			if s.removeConversation(id) {
				slog.Info("Server.websocketHandler: connection-owned conversation removed", "sessionID", id)
			}
		}()
	} else {
		var ok bool
		if conv, ok = s.registry.Get(id); !ok {
			_ = conn.write(Frame{Type: FrameError, SessionID: id, Message: "Session not found"})
			return
		}
		if relay := s.relay(id); relay != nil {
			defer relay.Attach(conn)()
		}
	}

	slog.Info("Server.websocketHandler: client connected", "sessionID", id)
	session := conv.Session()
	if err := conn.write(Frame{Type: FrameSession, SessionID: id, StageID: session.CurrentStageID()}); err != nil {
		return
	}
	if s.retireIfEnded(conv) {
		_ = conn.write(Frame{Type: FrameEnded, SessionID: id})
		return
	}

	for {
		var in Frame
		if err := raw.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Server.websocketHandler: read failed", "sessionID", id, "error", err)
			}
			slog.Info("Server.websocketHandler: client disconnected", "sessionID", id)
			return
		}

		out := s.handleFrame(ctx, conv, in)
		ended := s.retireIfEnded(conv)
		if err := conn.write(out); err != nil {
			slog.Warn("Server.websocketHandler: write failed", "sessionID", id, "error", err)
			return
		}
		if ended {
			_ = conn.write(Frame{Type: FrameEnded, SessionID: id})
			_ = raw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation ended"), time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, conv *flow.Conversation, in Frame) Frame {
	id := conv.ID()
	switch in.Type {
	case FrameUtterance:
		if s.gaClient == nil {
			return Frame{Type: FrameError, SessionID: id, Message: "LLM client not configured"}
		}
		req := models.UtteranceRequest{Text: in.Text}
		if err := req.Validate(); err != nil {
			return Frame{Type: FrameError, SessionID: id, Message: err.Error()}
		}
		reply, err := conv.HandleUtterance(ctx, in.Text)
		if err != nil {
			if errors.Is(err, flow.ErrSessionEnded) {
				return Frame{Type: FrameError, SessionID: id, Message: "Conversation has ended"}
			}
			slog.Error("Server.handleFrame: utterance failed", "sessionID", id, "error", err)
			return Frame{Type: FrameError, SessionID: id, Message: "Failed to generate reply"}
		}
		return Frame{Type: FrameReply, SessionID: id, Text: reply, StageID: conv.Session().CurrentStageID()}

	case FrameTool:
		args, err := json.Marshal(in.Arguments)
		if err != nil || in.Arguments == nil {
			args = json.RawMessage("{}")
		}
		exec, err := conv.InvokeTool(ctx, in.Name, args)
		if err != nil {
			return Frame{Type: FrameError, SessionID: id, Name: in.Name, Message: flow.ToolResultText(exec, err)}
		}
		return Frame{Type: FrameReply, SessionID: id, Name: in.Name, Outcome: string(exec.Outcome.Kind),
			Message: exec.Message, StageID: conv.Session().CurrentStageID()}

	default:
		return Frame{Type: FrameError, SessionID: id, Message: "Unknown frame type: " + in.Type}
	}
}
