// Package api provides the HTTP and websocket server for StagePipe.
//
// It exposes live conversations over REST and websocket endpoints. Each conversation wraps a flow
// session driven by the configured LLM; agent speech is fanned out to the server's speech sink, an
// optional Twilio recipient and any attached websocket clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/speech"
	"github.com/BTreeMap/StagePipe/internal/store"
	"github.com/gorilla/websocket"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// Opts holds optional server dependencies.
type Opts struct {
	Addr    string               // listen address, e.g. ":8080"
	Sender  speech.MessageSender // outbound text channel for sessions created with a recipient
	Speech  speech.Output        // sink that receives all agent speech, e.g. a log writer
	History int                  // past turns sent to the LLM, 0 for the default
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMessageSender enables the Twilio channel for sessions created with a recipient.
func WithMessageSender(sender speech.MessageSender) Option {
	return func(o *Opts) { o.Sender = sender }
}

// WithSpeechOutput adds a sink that receives the speech of every session.
func WithSpeechOutput(out speech.Output) Option {
	return func(o *Opts) { o.Speech = out }
}

// WithHistoryTurns bounds how many past turns each conversation sends to the LLM.
func WithHistoryTurns(n int) Option {
	return func(o *Opts) { o.History = n }
}

// Server holds the dependencies for the API handlers.
type Server struct {
	engine   *flow.Engine
	st       store.Store
	gaClient genai.ClientInterface
	opts     Opts

	registry *flow.Registry
	relaysMu sync.Mutex
	relays   map[string]*speech.Relay

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer creates a new API server. st may be nil when no archive is configured and gaClient may be
// nil, in which case utterance endpoints report that the LLM is unavailable.
func NewServer(engine *flow.Engine, st store.Store, gaClient genai.ClientInterface, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		engine:   engine,
		st:       st,
		gaClient: gaClient,
		opts:     o,
		registry: flow.NewRegistry(),
		relays:   make(map[string]*speech.Relay),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	slog.Debug("api.NewServer: server created", "addr", o.Addr, "archive", st != nil, "llm", gaClient != nil, "twilio", o.Sender != nil)
	return s
}

func (s *Server) setupRoutes() {
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("GET /config", s.configHandler)
	s.mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	s.mux.HandleFunc("POST /sessions", s.createSessionHandler)
	s.mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.deleteSessionHandler)
	s.mux.HandleFunc("POST /sessions/{id}/utterances", s.utteranceHandler)
	s.mux.HandleFunc("POST /sessions/{id}/tools/{name}", s.toolHandler)
	s.mux.HandleFunc("GET /sessions/{id}/ws", s.websocketHandler)
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry returns the live conversation registry.
func (s *Server) Registry() *flow.Registry {
	return s.registry
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api.Server.Serve: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("api.Server.Serve: shutting down", "liveSessions", s.registry.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Server.Serve: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

// newConversation creates, starts and registers a conversation. recipient and initial may be empty. A
// non-nil listener is attached before the greeting is spoken; the returned detach function removes it.
func (s *Server) newConversation(ctx context.Context, recipient string, initial map[string]interface{}, listener speech.Output) (*flow.Conversation, func(), error) {
	id := flow.NewSessionID()
	relay := speech.NewRelay()
	detach := func() {}
	if listener != nil {
		detach = relay.Attach(listener)
	}

	outputs := []speech.Output{s.opts.Speech, relay}
	if recipient != "" {
		outputs = append(outputs, speech.NewTwilioOutput(s.opts.Sender, recipient))
	}

	session := s.engine.NewSession(id, speech.Multi(outputs...), flow.WithInitialContext(initial))
	conv := flow.NewConversation(session, s.gaClient, flow.WithHistoryTurns(s.opts.History))
	if _, err := conv.Start(ctx); err != nil {
		detach()
		return nil, nil, err
	}

	s.relaysMu.Lock()
	s.relays[id] = relay
	s.relaysMu.Unlock()
	s.registry.Add(conv)

	slog.Info("api.Server.newConversation: conversation started", "sessionID", id, "recipient", recipient != "", "seededKeys", len(initial))
	return conv, detach, nil
}

func (s *Server) relay(id string) *speech.Relay {
	s.relaysMu.Lock()
	defer s.relaysMu.Unlock()
	return s.relays[id]
}

func (s *Server) removeConversation(id string) bool {
	_, ok := s.registry.Remove(id)
	s.relaysMu.Lock()
	delete(s.relays, id)
	s.relaysMu.Unlock()
	return ok
}

// retireIfEnded drops an ended conversation from the live set. Its transcript stays in the archive.
func (s *Server) retireIfEnded(conv *flow.Conversation) bool {
	if !conv.Session().Ended() {
		return false
	}
	if s.removeConversation(conv.ID()) {
		slog.Info("api.Server.retireIfEnded: ended conversation removed from live set", "sessionID", conv.ID(), "liveSessions", s.registry.Len())
	}
	return true
}
