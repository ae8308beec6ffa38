package flow

import (
	"sort"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Resolver picks the next stage for free-text input. ok is false when the session should stay put.
type Resolver interface {
	Resolve(input string, stage models.StageDefinition) (target string, ok bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(input string, stage models.StageDefinition) (string, bool)

// Resolve calls f(input, stage).
func (f ResolverFunc) Resolve(input string, stage models.StageDefinition) (string, bool) {
	return f(input, stage)
}

// KeywordResolver matches condition keywords against the input.
//
// Transitions are tried by priority, highest first, keeping declaration order on ties. A transition
// matches when any whitespace-separated token of its lowercased condition is a substring of the
// lowercased input. This is a containment heuristic, not intent detection: "bill" matches "billing".
type KeywordResolver struct{}

// Resolve implements Resolver.
func (KeywordResolver) Resolve(input string, stage models.StageDefinition) (string, bool) {
	if len(stage.NextStages) == 0 {
		return "", false
	}

	lowered := strings.ToLower(input)
	for _, t := range sortedByPriority(stage.NextStages) {
		for _, token := range strings.Fields(strings.ToLower(t.Condition)) {
			if strings.Contains(lowered, token) {
				return t.TargetStageID, true
			}
		}
	}
	return "", false
}

// ResolveNextStage runs the keyword heuristic for the stage currentStageID of stages.
// An unknown current stage resolves to nothing.
func ResolveNextStage(input, currentStageID string, stages map[string]models.StageDefinition) (string, bool) {
	stage, ok := stages[currentStageID]
	if !ok {
		return "", false
	}
	return KeywordResolver{}.Resolve(input, stage)
}

// sortedByPriority returns a copy of transitions ordered by priority, highest first, stable on ties.
func sortedByPriority(transitions []models.Transition) []models.Transition {
	sorted := make([]models.Transition, len(transitions))
	copy(sorted, transitions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}
