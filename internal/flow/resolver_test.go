package flow

import (
	"testing"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/testutil"
)

func TestResolveNextStage_BillingScenario(t *testing.T) {
	cfg := testutil.Config(t)

	target, ok := ResolveNextStage("I need to pay my bill", "greeting", cfg.Flow.Stages)
	if !ok || target != "billing" {
		t.Fatalf("expected billing, got %q (ok=%v)", target, ok)
	}
}

func TestKeywordResolver(t *testing.T) {
	stage := models.StageDefinition{
		ID: "hub",
		NextStages: []models.Transition{
			{TargetStageID: "low", Condition: "help", Priority: 10},
			{TargetStageID: "first-tie", Condition: "order status", Priority: 50},
			{TargetStageID: "second-tie", Condition: "order refund", Priority: 50},
			{TargetStageID: "high", Condition: "urgent emergency", Priority: 90},
		},
	}

	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"highest priority wins", "URGENT: I need help with my order", "high", true},
		{"tie keeps declaration order", "where is my order refund", "first-tie", true},
		{"lower priority when higher do not match", "can you help me", "low", true},
		{"substring containment", "my refunds are late", "second-tie", true},
		{"case insensitive", "HELP", "low", true},
		{"no match stays", "just browsing", "", false},
		{"empty input", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := KeywordResolver{}.Resolve(tt.input, stage)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestKeywordResolver_DoesNotReorderStage(t *testing.T) {
	stage := models.StageDefinition{NextStages: []models.Transition{
		{TargetStageID: "a", Condition: "x", Priority: 1},
		{TargetStageID: "b", Condition: "y", Priority: 2},
	}}
	KeywordResolver{}.Resolve("x y", stage)
	if stage.NextStages[0].TargetStageID != "a" {
		t.Error("resolver must not reorder the stage's transitions")
	}
}

func TestResolveNextStage_NoTransitions(t *testing.T) {
	cfg := testutil.Config(t)
	if target, ok := ResolveNextStage("bye bye", "goodbye", cfg.Flow.Stages); ok {
		t.Errorf("expected none for stage without transitions, got %q", target)
	}
	if target, ok := ResolveNextStage("bill", "nowhere", cfg.Flow.Stages); ok {
		t.Errorf("expected none for unknown stage, got %q", target)
	}
}

func TestResolveNextStage_EmptyConditionNeverMatches(t *testing.T) {
	stages := map[string]models.StageDefinition{
		"a": {ID: "a", NextStages: []models.Transition{{TargetStageID: "b", Condition: "   ", Priority: 50}}},
	}
	if _, ok := ResolveNextStage("anything", "a", stages); ok {
		t.Error("a condition without tokens should never match")
	}
}

func TestResolverFunc(t *testing.T) {
	r := ResolverFunc(func(input string, stage models.StageDefinition) (string, bool) {
		return "support", true
	})
	if got, ok := r.Resolve("x", models.StageDefinition{}); !ok || got != "support" {
		t.Errorf("unexpected result %q, %v", got, ok)
	}
}
