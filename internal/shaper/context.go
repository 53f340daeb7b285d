package shaper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/baiirun/swarmd/internal/spoolproto"
)

// Mode selects how a request's context is delivered to the agent prompt.
type Mode string

const (
	ModeLazy   Mode = "lazy"
	ModeInline Mode = "inline"
)

// ContextAnalysis captures the character counts driving the lazy/inline
// decision, plus the decision itself.
type ContextAnalysis struct {
	ObjectiveChars    int
	ContextChars      int
	RequirementsChars int
	Mode              Mode
}

// ContextConfig mirrors the relevant environment-variable tunables.
type ContextConfig struct {
	Mode                     Mode // CONTEXT_MODE default lazy
	MaxInlineContextChars    int  // default 500
	MaxEssentialRequirements int  // default 3
}

func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Mode:                     ModeLazy,
		MaxInlineContextChars:    500,
		MaxEssentialRequirements: 3,
	}
}

// Analyze counts characters and decides lazy vs inline. Lazy mode only
// takes effect when lazy mode is enabled in configuration and the
// serialized context exceeds the inline budget; otherwise the decision
// is inline.
func Analyze(req spoolproto.Request, cfg ContextConfig) ContextAnalysis {
	contextChars := serializedContextChars(req)

	requirementsChars := 0
	for _, r := range req.Task.Requirements {
		requirementsChars += len(r)
	}

	mode := ModeInline
	if cfg.Mode == ModeLazy && contextChars > cfg.MaxInlineContextChars {
		mode = ModeLazy
	}

	return ContextAnalysis{
		ObjectiveChars:    len(req.Task.Objective),
		ContextChars:      contextChars,
		RequirementsChars: requirementsChars,
		Mode:              mode,
	}
}

// SpillContext is the side-context JSON document written to
// {dir}/context/{requestId}.json in lazy mode: the full request plus
// provenance metadata, so the prompt can carry only a pointer.
type SpillContext struct {
	RequestID       string                 `json:"requestId"`
	AgentRole       string                 `json:"agentRole,omitempty"`
	ParentRequestID string                 `json:"parentRequestId,omitempty"`
	Task            spoolproto.Task        `json:"task"`
	Extra           map[string]json.RawMessage `json:"extra,omitempty"`
}

// WriteSpillContext creates the side-context file. Not cleaned up by the
// coordinator, per spec.
func WriteSpillContext(contextDir string, req spoolproto.Request) (string, error) {
	spill := SpillContext{
		RequestID:       req.RequestID,
		AgentRole:       req.AgentRole,
		ParentRequestID: req.ParentRequestID,
		Task:            req.Task,
		Extra:           req.Extra,
	}

	data, err := json.MarshalIndent(spill, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling side context: %w", err)
	}

	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return "", fmt.Errorf("creating context directory %s: %w", contextDir, err)
	}

	path := filepath.Join(contextDir, filepath.Base(req.RequestID)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing side context %s: %w", path, err)
	}

	return path, nil
}

// BuildPrompt constructs the agent prompt per the Shaper's contract: in
// inline mode the full context and all requirements are carried; in lazy
// mode only the objective, the first maxEssentialRequirements
// requirements (with a footnote of how many were omitted), and a pointer
// to the side context file. Both modes append free-form instructions
// telling the child it may spawn further requests by dropping JSON into
// requests/.
func BuildPrompt(req spoolproto.Request, analysis ContextAnalysis, spillPath string, cfg ContextConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Objective: %s\n\n", req.Task.Objective)

	switch analysis.Mode {
	case ModeLazy:
		essential := req.Task.Requirements
		omitted := 0
		if len(essential) > cfg.MaxEssentialRequirements {
			omitted = len(essential) - cfg.MaxEssentialRequirements
			essential = essential[:cfg.MaxEssentialRequirements]
		}
		if len(essential) > 0 {
			b.WriteString("Requirements:\n")
			for _, r := range essential {
				fmt.Fprintf(&b, "- %s\n", r)
			}
			if omitted > 0 {
				fmt.Fprintf(&b, "(%d additional requirement(s) omitted; see context file)\n", omitted)
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Full context and requirements are available at: %s\n"+
			"Read that file if you need more detail than is inlined above. If you do "+
			"read it, print %s on its own line afterward so the coordinator knows the "+
			"side context was consulted.\n\n", spillPath, spoolproto.ContextLoadedSentinel)

	default: // ModeInline
		if len(req.Task.Context) > 0 {
			if data, err := marshalContext(req.Task.Context); err == nil {
				fmt.Fprintf(&b, "Context:\n%s\n\n", data)
			}
		}
		if len(req.Task.Requirements) > 0 {
			b.WriteString("Requirements:\n")
			for _, r := range req.Task.Requirements {
				fmt.Fprintf(&b, "- %s\n", r)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("You may spawn further requests of your own by writing a JSON file " +
		"into the requests/ directory of this same spool; the coordinator will pick " +
		"it up like any other request.\n")

	return b.String()
}

func marshalContext(ctx map[string]any) ([]byte, error) {
	return json.Marshal(ctx)
}
