package shaper

import (
	"strings"
	"testing"

	"github.com/baiirun/swarmd/internal/spoolproto"
)

func TestClassifySimple(t *testing.T) {
	req := spoolproto.Request{Task: spoolproto.Task{Objective: "echo hello"}}
	c := Classify(req, DefaultClassifierConfig())

	if c.Class != ClassSimple {
		t.Errorf("Class = %q, want simple (score=%d)", c.Class, c.Score)
	}
	if c.InitialDeadlineMs != 60_000 {
		t.Errorf("InitialDeadlineMs = %d, want 60000", c.InitialDeadlineMs)
	}
	if c.MaxDeadlineMs != 240_000 {
		t.Errorf("MaxDeadlineMs = %d, want 240000", c.MaxDeadlineMs)
	}
}

func TestClassifyModerate(t *testing.T) {
	// implement (3) + file ops via "write"/"create" (2) = 5 -> moderate.
	req := spoolproto.Request{Task: spoolproto.Task{Objective: "implement and write a new file"}}
	c := Classify(req, DefaultClassifierConfig())

	if c.Class != ClassModerate {
		t.Errorf("Class = %q, want moderate (score=%d)", c.Class, c.Score)
	}
	if c.InitialDeadlineMs != 120_000 {
		t.Errorf("InitialDeadlineMs = %d, want 120000", c.InitialDeadlineMs)
	}
}

func TestClassifyComplex(t *testing.T) {
	// spawn (4) + research (3) + implement (3) + multi-step via "then" (2)
	// + test ops via "test" (2) -> score 14 -> complex.
	req := spoolproto.Request{Task: spoolproto.Task{
		Objective: "spawn a team to research and implement the feature, then test it",
	}}
	c := Classify(req, DefaultClassifierConfig())

	if c.Class != ClassComplex {
		t.Errorf("Class = %q, want complex (score=%d)", c.Class, c.Score)
	}
	if c.InitialDeadlineMs != 180_000 {
		t.Errorf("InitialDeadlineMs = %d, want 180000", c.InitialDeadlineMs)
	}
}

func TestClassifyManyRequirementsAddsWeight(t *testing.T) {
	base := spoolproto.Request{Task: spoolproto.Task{Objective: "echo hello"}}
	withReqs := spoolproto.Request{Task: spoolproto.Task{
		Objective:    "echo hello",
		Requirements: []string{"a", "b", "c", "d"},
	}}

	baseScore := Classify(base, DefaultClassifierConfig()).Score
	withReqsScore := Classify(withReqs, DefaultClassifierConfig()).Score

	if withReqsScore != baseScore+2 {
		t.Errorf("score with >3 requirements = %d, want %d", withReqsScore, baseScore+2)
	}
}

func TestClassifyLargeContextAddsWeight(t *testing.T) {
	base := spoolproto.Request{Task: spoolproto.Task{Objective: "echo hello"}}
	withContext := spoolproto.Request{Task: spoolproto.Task{
		Objective: "echo hello",
		Context:   map[string]any{"blob": strings.Repeat("x", 2000)},
	}}

	baseScore := Classify(base, DefaultClassifierConfig()).Score
	withContextScore := Classify(withContext, DefaultClassifierConfig()).Score

	if withContextScore != baseScore+1 {
		t.Errorf("score with large context = %d, want %d", withContextScore, baseScore+1)
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	lower := Classify(spoolproto.Request{Task: spoolproto.Task{Objective: "implement a feature"}}, DefaultClassifierConfig())
	upper := Classify(spoolproto.Request{Task: spoolproto.Task{Objective: "IMPLEMENT A FEATURE"}}, DefaultClassifierConfig())

	if lower.Score != upper.Score {
		t.Errorf("score differs by case: lower=%d upper=%d", lower.Score, upper.Score)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	req := spoolproto.Request{Task: spoolproto.Task{
		Objective:    "research, implement, and test the change, then deploy",
		Requirements: []string{"a", "b", "c", "d", "e"},
	}}
	cfg := DefaultClassifierConfig()

	first := Classify(req, cfg)
	for i := 0; i < 10; i++ {
		again := Classify(req, cfg)
		if again != first {
			t.Fatalf("classification not deterministic: first=%+v again=%+v", first, again)
		}
	}
}
