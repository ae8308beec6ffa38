package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Candidate is a next-stage option offered to the LLM.
type Candidate struct {
	StageID   string `json:"stage_id"`
	Condition string `json:"condition"`
	Priority  int    `json:"priority"`
}

// StageContextDescriptor is the instruction context installed in the LLM after a stage is entered.
// It always reflects the fully merged context of the entry that produced it.
type StageContextDescriptor struct {
	AgentName          string         `json:"agent_name"`
	BaseInstructions   string         `json:"base_instructions"`
	StageList          []string       `json:"stage_list"`
	StageID            string         `json:"stage_id"`
	StageName          string         `json:"stage_name"`
	StageDescription   string         `json:"stage_description"`
	CompletionCriteria string         `json:"completion_criteria"`
	Context            map[string]any `json:"context"`
	Prompt             string         `json:"prompt"`
	Greeting           string         `json:"greeting"` // rendered text spoken on entry
	Candidates         []Candidate    `json:"candidates"`
}

func newDescriptor(cfg *models.Config, stage models.StageDefinition, ctx map[string]any, greeting, prompt string) *StageContextDescriptor {
	candidates := make([]Candidate, 0, len(stage.NextStages))
	for _, t := range stage.NextStages {
		candidates = append(candidates, Candidate{StageID: t.TargetStageID, Condition: t.Condition, Priority: t.Priority})
	}
	return &StageContextDescriptor{
		AgentName:          cfg.AgentConfig.Name,
		BaseInstructions:   cfg.AgentConfig.BaseInstructions,
		StageList:          cfg.Flow.StageIDs(),
		StageID:            stage.ID,
		StageName:          stage.Name,
		StageDescription:   stage.Description,
		CompletionCriteria: stage.CompletionCriteria,
		Context:            copyContext(ctx),
		Prompt:             prompt,
		Greeting:           greeting,
		Candidates:         candidates,
	}
}

// SystemText renders the descriptor as the system message handed to the LLM.
func (d *StageContextDescriptor) SystemText() string {
	var b strings.Builder

	b.WriteString(d.BaseInstructions)
	b.WriteString("\n\nDYNAMIC STAGE-BASED BEHAVIOR:\n")
	fmt.Fprintf(&b, "- You operate in stages: %s\n", strings.Join(d.StageList, ", "))
	b.WriteString("- Each stage has specific objectives and completion criteria\n")
	b.WriteString("- Stay in current stage until completion criteria is met\n")
	b.WriteString("- Use the move_to_next_stage function ONLY when current stage is complete\n")

	fmt.Fprintf(&b, "\nCURRENT STAGE: %s (%s)\n", d.StageID, d.StageName)
	fmt.Fprintf(&b, "STAGE DESCRIPTION: %s\n", d.StageDescription)
	fmt.Fprintf(&b, "COMPLETION CRITERIA: %s\n", d.CompletionCriteria)
	fmt.Fprintf(&b, "CURRENT CONTEXT: %s\n", renderContext(d.Context))
	fmt.Fprintf(&b, "\nPROMPT: \"%s\"\n", d.Prompt)

	if len(d.Candidates) > 0 {
		b.WriteString("\nPossible next stages:\n")
		for _, c := range d.Candidates {
			fmt.Fprintf(&b, "- %s: %s (Priority: %d)\n", c.StageID, c.Condition, c.Priority)
		}
	}

	b.WriteString("\nIMPORTANT BEHAVIOR:\n")
	b.WriteString("- Stay in this stage until completion criteria is fully met\n")
	b.WriteString("- Follow the stage instructions carefully\n")
	b.WriteString("- Ask follow-up questions as needed within this stage\n")
	b.WriteString("- Only call move_to_next_stage when completion criteria is satisfied\n")
	b.WriteString("- Be thorough and don't rush to next stage\n")
	b.WriteString("- Consider the priority of next stages when making transition decisions\n")
	return b.String()
}

// CandidateIDs returns the candidate stage ids in declaration order.
func (d *StageContextDescriptor) CandidateIDs() []string {
	ids := make([]string, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		ids = append(ids, c.StageID)
	}
	return ids
}

// renderContext prints the context with keys in sorted order.
func renderContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return "{}"
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Sprint(ctx)
	}
	return string(data)
}

func copyContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
