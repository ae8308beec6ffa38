package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/StagePipe/internal/flow"
	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/speech"
	"github.com/BTreeMap/StagePipe/internal/store"
	"github.com/BTreeMap/StagePipe/internal/testutil"
)

// newTestServer creates a Server backed by an in-memory archive.
func newTestServer(t *testing.T, client genai.ClientInterface, opts ...Option) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })

	engine, err := flow.NewEngine(testutil.Config(t), flow.WithRecorder(flow.NewStoreRecorder(st)))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return NewServer(engine, st, client, opts...), st
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

// createSession starts a conversation through the API and returns its id.
func createSession(t *testing.T, s *Server) string {
	t.Helper()
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]string{}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create session")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	return resp["result"].(map[string]interface{})["id"].(string)
}

func result(resp map[string]interface{}) map[string]interface{} {
	r, _ := resp["result"].(map[string]interface{})
	return r
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if result(resp)["agent"] != "Acme Support" {
		t.Errorf("unexpected health result %v", resp)
	}
}

func TestConfigHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/config", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "config")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	r := result(resp)
	if r["start_stage"] != "greeting" || r["total_stages"] != float64(5) {
		t.Errorf("unexpected config summary %v", r)
	}
}

func TestCreateSessionHandler(t *testing.T) {
	out := speech.NewMockOutput()
	s, _ := newTestServer(t, nil, WithSpeechOutput(out))

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions", nil))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create session")
	resp := testutil.AssertJSONResponse(t, rr, "ok")

	r := result(resp)
	if r["current_stage_id"] != "greeting" || r["live"] != true {
		t.Errorf("unexpected session view %v", r)
	}
	if r["greeting"] != "Hello! Thanks for calling Acme." {
		t.Errorf("unexpected greeting %v", r["greeting"])
	}
	if got := out.Texts(); len(got) != 1 || got[0] != "Hello! Thanks for calling Acme." {
		t.Errorf("greeting not spoken through sink, got %v", got)
	}
	if s.Registry().Len() != 1 {
		t.Errorf("expected one live session, got %d", s.Registry().Len())
	}
}

func TestCreateSessionHandler_Recipient(t *testing.T) {
	t.Run("without Twilio", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]string{"recipient": "+15551234567"}))
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "recipient without sender")
		testutil.AssertJSONResponse(t, rr, "error")
	})

	t.Run("invalid recipient", func(t *testing.T) {
		s, _ := newTestServer(t, nil, WithMessageSender(&speech.MockSender{}))
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]string{"recipient": "5551234567"}))
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid recipient")
	})

	t.Run("greeting sent by text", func(t *testing.T) {
		sender := &speech.MockSender{}
		s, _ := newTestServer(t, nil, WithMessageSender(sender))
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]string{"recipient": "+15551234567"}))
		testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "recipient with sender")
		if len(sender.Sent) != 1 || sender.Sent[0].To != "+15551234567" || sender.Sent[0].Body != "Hello! Thanks for calling Acme." {
			t.Errorf("unexpected sent messages %+v", sender.Sent)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		rr := serve(s, httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"recipient":`)))
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "malformed JSON")
	})
}

func TestGetSessionHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions/missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown session")

	id := createSession(t, s)
	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "live session")
	r := result(testutil.AssertJSONResponse(t, rr, "ok"))
	if r["id"] != id || r["live"] != true {
		t.Errorf("unexpected view %v", r)
	}
	if history := r["history"].([]interface{}); len(history) != 1 {
		t.Errorf("expected one history entry, got %d", len(history))
	}
}

func TestToolHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	id := createSession(t, s)
	path := "/sessions/" + id + "/tools/"

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path+"move_to_next_stage",
		map[string]interface{}{"arguments": map[string]interface{}{"target_stage": "goodbye"}}))
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "invalid transition")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if msg, _ := resp["message"].(string); msg == "" {
		t.Error("expected rejection message")
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path+"move_to_next_stage",
		map[string]interface{}{"arguments": map[string]interface{}{"target_stage": "refunds"}}))
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "unknown stage")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path+"transfer_call", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown tool")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path+"move_to_next_stage", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing target")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path+"complete_current_stage",
		map[string]interface{}{"arguments": map[string]interface{}{"next_stage_reason": "the router is broken"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "complete stage")
	r := result(testutil.AssertJSONResponse(t, rr, "ok"))
	if r["outcome"] != "entered" || r["current_stage_id"] != "support" {
		t.Errorf("unexpected tool result %v", r)
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path+"move_to_next_stage",
		map[string]interface{}{"arguments": map[string]interface{}{"target_stage": "END"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "end")
	r = result(testutil.AssertJSONResponse(t, rr, "ended"))
	if r["ended"] != true {
		t.Errorf("expected ended result, got %v", r)
	}

	if s.Registry().Len() != 0 {
		t.Errorf("ended session should leave the live set, got %d live", s.Registry().Len())
	}
	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, path+"end_conversation", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "after end")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ended session from archive")
	r = result(testutil.AssertJSONResponse(t, rr, "ok"))
	if r["live"] != false || r["ended"] != true || r["current_stage_id"] != "support" {
		t.Errorf("unexpected archived view %v", r)
	}
}

func TestUtteranceHandler(t *testing.T) {
	client := genai.NewMockClient(
		&genai.ToolCallResponse{ToolCalls: []models.ToolCall{{
			ID: "call_1", Type: "function",
			Function: models.FunctionCall{Name: "move_to_next_stage", Arguments: []byte(`{"target_stage":"billing"}`)},
		}}},
		&genai.ToolCallResponse{Content: "Which invoice would you like to pay?"},
	)
	s, _ := newTestServer(t, client)
	id := createSession(t, s)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/"+id+"/utterances", map[string]string{"text": "   "}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty utterance")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/"+id+"/utterances", map[string]string{"text": "I want to pay my bill"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "utterance")
	r := result(testutil.AssertJSONResponse(t, rr, "ok"))
	if r["reply"] != "Which invoice would you like to pay?" || r["current_stage_id"] != "billing" {
		t.Errorf("unexpected utterance result %v", r)
	}

	client.Err = errors.New("upstream down")
	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/"+id+"/utterances", map[string]string{"text": "hello?"}))
	testutil.AssertHTTPStatus(t, http.StatusBadGateway, rr.Code, "llm failure")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/missing/utterances", map[string]string{"text": "hi"}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown session")
}

func TestUtteranceHandler_NoLLM(t *testing.T) {
	s, _ := newTestServer(t, nil)
	id := createSession(t, s)
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/"+id+"/utterances", map[string]string{"text": "hi"}))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "no llm")
}

func TestDeleteSessionHandler_FallsBackToArchive(t *testing.T) {
	s, _ := newTestServer(t, nil)
	id := createSession(t, s)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/"+id+"/tools/move_to_next_stage",
		map[string]interface{}{"arguments": map[string]interface{}{"target_stage": "billing"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "move to billing")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "delete twice")

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "archived session")
	r := result(testutil.AssertJSONResponse(t, rr, "ok"))
	if r["live"] != false || r["current_stage_id"] != "billing" {
		t.Errorf("unexpected archived view %v", r)
	}
	if history := r["history"].([]interface{}); len(history) != 2 {
		t.Errorf("expected two archived history entries, got %d", len(history))
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions", nil))
	r = result(testutil.AssertJSONResponse(t, rr, "ok"))
	if live := r["live"].([]interface{}); len(live) != 0 {
		t.Errorf("expected no live sessions, got %v", live)
	}
	if archived := r["archived"].([]interface{}); len(archived) != 1 {
		t.Errorf("expected one archived session, got %v", archived)
	}
}

func TestUtteranceHandler_EndRemovesLiveSession(t *testing.T) {
	client := genai.NewMockClient(
		&genai.ToolCallResponse{ToolCalls: []models.ToolCall{{
			ID: "call_1", Type: "function",
			Function: models.FunctionCall{Name: "move_to_next_stage", Arguments: []byte(`{"target_stage":"END"}`)},
		}}},
	)
	s, _ := newTestServer(t, client)
	id := createSession(t, s)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/"+id+"/utterances", map[string]string{"text": "that's all"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ending utterance")
	r := result(testutil.AssertJSONResponse(t, rr, "ended"))
	if r["ended"] != true {
		t.Errorf("expected ended result, got %v", r)
	}
	if s.Registry().Len() != 0 {
		t.Errorf("ended session should leave the live set, got %d live", s.Registry().Len())
	}
	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions/"+id+"/utterances", map[string]string{"text": "hello?"}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "after end")
}

func TestCreateSessionHandler_InitialContext(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]interface{}{
		"context": map[string]interface{}{"customer_name": "Ana", "company": "Old Co"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create with context")
	r := result(testutil.AssertJSONResponse(t, rr, "ok"))

	ctx, _ := r["context"].(map[string]interface{})
	if ctx["customer_name"] != "Ana" {
		t.Errorf("seeded key missing from context %v", ctx)
	}
	if ctx["company"] != "Acme" {
		t.Errorf("stage context_updates should overwrite seeded keys, got %v", ctx["company"])
	}
	history := r["history"].([]interface{})
	if entry := history[0].(map[string]interface{}); entry["content"] != "Find out why Ana is calling Acme." {
		t.Errorf("prompt should render the seeded value, got %v", entry["content"])
	}

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]interface{}{
		"context": map[string]interface{}{"": "x"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "blank context key")
}

func TestDeleteSessionHandler_Purge(t *testing.T) {
	s, st := newTestServer(t, nil)
	ctx := context.Background()

	t.Run("live session", func(t *testing.T) {
		id := createSession(t, s)
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions/"+id+"?purge=true", nil))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "purge live")

		if rec, err := st.GetSession(ctx, id); err != nil || rec != nil {
			t.Errorf("expected archived record to be gone, got %v, %v", rec, err)
		}
		if history, _ := st.GetHistory(ctx, id); len(history) != 0 {
			t.Errorf("expected archived history to be gone, got %d entries", len(history))
		}
		rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions/"+id, nil))
		testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "purged session")
	})

	t.Run("archived only", func(t *testing.T) {
		id := createSession(t, s)
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions/"+id, nil))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "tear down")

		rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions/"+id+"?purge=1", nil))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "purge archived")
		if rec, _ := st.GetSession(ctx, id); rec != nil {
			t.Errorf("expected archived record to be gone, got %v", rec)
		}

		rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions/"+id+"?purge=true", nil))
		testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "purge twice")
	})

	t.Run("bad flag", func(t *testing.T) {
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/sessions/whatever?purge=maybe", nil))
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad purge flag")
	})
}
