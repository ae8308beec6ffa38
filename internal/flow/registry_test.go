package flow

import (
	"testing"

	"github.com/BTreeMap/StagePipe/internal/genai"
)

func TestRegistry(t *testing.T) {
	engine := newTestEngine(t)
	reg := NewRegistry()

	idA, idB := NewSessionID(), NewSessionID()
	if idA == idB || idA == "" {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", idA, idB)
	}

	a := NewConversation(engine.NewSession("b-session", nil), genai.NewMockClient())
	b := NewConversation(engine.NewSession("a-session", nil), genai.NewMockClient())
	reg.Add(a)
	reg.Add(b)

	if reg.Len() != 2 {
		t.Fatalf("expected 2 conversations, got %d", reg.Len())
	}
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "a-session" || ids[1] != "b-session" {
		t.Errorf("expected sorted ids, got %v", ids)
	}

	got, ok := reg.Get("b-session")
	if !ok || got != a {
		t.Error("Get returned the wrong conversation")
	}

	removed, ok := reg.Remove("b-session")
	if !ok || removed != a {
		t.Error("Remove returned the wrong conversation")
	}
	if _, ok := reg.Get("b-session"); ok {
		t.Error("conversation still present after Remove")
	}
	if _, ok := reg.Remove("b-session"); ok {
		t.Error("second Remove should report false")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 conversation, got %d", reg.Len())
	}
}
