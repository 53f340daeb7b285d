package shaper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/baiirun/swarmd/internal/spoolproto"
)

func TestAnalyzeInlineWhenSmall(t *testing.T) {
	req := spoolproto.Request{Task: spoolproto.Task{
		Objective: "echo hello",
		Context:   map[string]any{"k": "v"},
	}}
	a := Analyze(req, DefaultContextConfig())

	if a.Mode != ModeInline {
		t.Errorf("Mode = %q, want inline", a.Mode)
	}
}

func TestAnalyzeLazyWhenContextExceedsBudget(t *testing.T) {
	req := spoolproto.Request{Task: spoolproto.Task{
		Objective: "echo hello",
		Context:   map[string]any{"blob": strings.Repeat("x", 600)},
	}}
	a := Analyze(req, DefaultContextConfig())

	if a.Mode != ModeLazy {
		t.Errorf("Mode = %q, want lazy", a.Mode)
	}
}

func TestAnalyzeRespectsFullModeOverride(t *testing.T) {
	req := spoolproto.Request{Task: spoolproto.Task{
		Objective: "echo hello",
		Context:   map[string]any{"blob": strings.Repeat("x", 600)},
	}}
	cfg := DefaultContextConfig()
	cfg.Mode = ModeInline
	a := Analyze(req, cfg)

	if a.Mode != ModeInline {
		t.Errorf("Mode = %q, want inline when CONTEXT_MODE=full overrides lazy threshold", a.Mode)
	}
}

func TestWriteSpillContextRoundTrips(t *testing.T) {
	dir := t.TempDir()
	req := spoolproto.Request{
		RequestID: "req-1-abcdef",
		AgentRole: "worker",
		Task: spoolproto.Task{
			Objective:    "do the thing",
			Requirements: []string{"a", "b"},
		},
	}

	path, err := WriteSpillContext(dir, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "req-1-abcdef.json" {
		t.Errorf("path = %q, want basename req-1-abcdef.json", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected spill file to exist: %v", err)
	}
}

func TestBuildPromptLazyOmitsExcessRequirements(t *testing.T) {
	req := spoolproto.Request{
		RequestID: "req-1-abcdef",
		Task: spoolproto.Task{
			Objective:    "do the thing",
			Requirements: []string{"one", "two", "three", "four", "five"},
		},
	}
	cfg := DefaultContextConfig()
	analysis := ContextAnalysis{Mode: ModeLazy}

	prompt := BuildPrompt(req, analysis, "/tmp/context/req-1-abcdef.json", cfg)

	if !strings.Contains(prompt, "one") || !strings.Contains(prompt, "two") || !strings.Contains(prompt, "three") {
		t.Error("expected first 3 essential requirements to be inlined")
	}
	if strings.Contains(prompt, "four") || strings.Contains(prompt, "five") {
		t.Error("expected requirements beyond the essential cap to be omitted")
	}
	if !strings.Contains(prompt, "2 additional requirement") {
		t.Errorf("expected footnote of omitted count, got: %s", prompt)
	}
	if !strings.Contains(prompt, "/tmp/context/req-1-abcdef.json") {
		t.Error("expected prompt to point at the side context file")
	}
}

func TestBuildPromptInlineCarriesFullContext(t *testing.T) {
	req := spoolproto.Request{
		Task: spoolproto.Task{
			Objective:    "do the thing",
			Context:      map[string]any{"key": "value"},
			Requirements: []string{"one", "two"},
		},
	}
	cfg := DefaultContextConfig()
	analysis := ContextAnalysis{Mode: ModeInline}

	prompt := BuildPrompt(req, analysis, "", cfg)

	if !strings.Contains(prompt, "value") {
		t.Error("expected full context to be inlined")
	}
	if !strings.Contains(prompt, "one") || !strings.Contains(prompt, "two") {
		t.Error("expected all requirements to be inlined")
	}
}

func TestBuildPromptAdvertisesSpawnCapability(t *testing.T) {
	req := spoolproto.Request{Task: spoolproto.Task{Objective: "do the thing"}}
	prompt := BuildPrompt(req, ContextAnalysis{Mode: ModeInline}, "", DefaultContextConfig())

	if !strings.Contains(prompt, "requests/") {
		t.Error("expected prompt to mention the requests/ directory for spawning further requests")
	}
}
