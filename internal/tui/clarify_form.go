package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/aristath/agentgraph/internal/core"
	"github.com/aristath/agentgraph/internal/orchestrator"
)

// ClarificationForm asks the operator one question per affected agent.
type ClarificationForm struct {
	form    *huh.Form
	agents  []string
	answers map[string]*string
}

// NewClarificationForm builds a form for req. Each affected agent gets its own
// group listing what was wrong with its output.
func NewClarificationForm(req orchestrator.ClarificationRequest) *ClarificationForm {
	f := &ClarificationForm{
		agents:  append([]string(nil), req.Agents...),
		answers: make(map[string]*string, len(req.Agents)),
	}
	sort.Strings(f.agents)

	issues := issuesByAgent(req)
	groups := make([]*huh.Group, 0, len(f.agents))
	for _, id := range f.agents {
		answer := new(string)
		f.answers[id] = answer

		desc := strings.Join(issues[id], "\n")
		if desc == "" {
			desc = "Depends on an agent that needs clarification."
		}
		groups = append(groups, huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("%s (round %d)", id, req.Round)).
				Description(desc),
			huh.NewText().
				Key(id).
				Title("Additional input").
				Placeholder("leave empty to re-run as is").
				Value(answer),
		))
	}
	f.form = huh.NewForm(groups...)
	return f
}

// issuesByAgent renders each low-confidence field and schema violation as a line
// under its agent.
func issuesByAgent(req orchestrator.ClarificationRequest) map[string][]string {
	issues := make(map[string][]string)
	for _, lc := range req.LowConfidence {
		field := lc.Field
		if field == "" {
			field = "(no output)"
		}
		issues[lc.AgentID] = append(issues[lc.AgentID],
			fmt.Sprintf("%s: confidence %.2f below %.2f", field, lc.Confidence, lc.Threshold))
	}
	for _, v := range req.Violations {
		issues[v.AgentID] = append(issues[v.AgentID], v.String())
	}
	return issues
}

// Answers returns the non-empty answers keyed by agent id.
func (f *ClarificationForm) Answers() core.Output {
	out := make(core.Output, len(f.answers))
	for id, a := range f.answers {
		if s := strings.TrimSpace(*a); s != "" {
			out[id] = s
		}
	}
	return out
}

// Run shows the form on the terminal until it is submitted or ctx ends.
func (f *ClarificationForm) Run(ctx context.Context) (core.Output, error) {
	if err := f.form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil, orchestrator.ErrClarifierStopped
		}
		return nil, err
	}
	return f.Answers(), nil
}

// AskClarification is an orchestrator.ClarifierFunc that prompts on the terminal.
func AskClarification(ctx context.Context, req orchestrator.ClarificationRequest) (core.Output, error) {
	return NewClarificationForm(req).Run(ctx)
}

// WriteClarificationSummary prints the questions without prompting, for
// non-interactive logs.
func WriteClarificationSummary(w io.Writer, req orchestrator.ClarificationRequest) {
	issues := issuesByAgent(req)
	agents := append([]string(nil), req.Agents...)
	sort.Strings(agents)
	fmt.Fprintf(w, "clarification round %d for job %s\n", req.Round, req.JobID)
	for _, id := range agents {
		fmt.Fprintf(w, "  %s\n", id)
		for _, line := range issues[id] {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}
