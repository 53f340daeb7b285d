// Package shaper analyzes an inbound request to classify its complexity
// (and thereby its initial/max deadlines) and to decide whether its
// context must be spilled to a side file or inlined in the prompt.
package shaper

import (
	"strings"

	"github.com/baiirun/swarmd/internal/spoolproto"
)

// Class is the deterministic complexity bucket assigned to a request.
type Class string

const (
	ClassSimple   Class = "simple"
	ClassModerate Class = "moderate"
	ClassComplex  Class = "complex"
)

// Classification is the output of the keyword-weighted complexity
// classifier: a bucket, the raw score, and the deadlines that follow
// from it.
type Classification struct {
	Class          Class
	Score          int
	InitialDeadlineMs int64
	MaxDeadlineMs     int64
}

// signal is one entry of the keyword-weight table.
type signal struct {
	name     string
	keywords []string
	weight   int
}

var signals = []signal{
	{name: "child-agent spawning", keywords: []string{"spawn", "coordinate", "delegate", "parallel", "multi-agent"}, weight: 4},
	{name: "research", keywords: []string{"research", "analyze", "investigate", "explore", "search"}, weight: 3},
	{name: "implementation", keywords: []string{"implement", "create", "build", "develop", "code"}, weight: 3},
	{name: "multi-step", keywords: []string{"then", "after", "next", "finally", "step", "phase"}, weight: 2},
	{name: "file ops", keywords: []string{"read", "write", "create", "modify", "edit", "save", "delete"}, weight: 2},
	{name: "test ops", keywords: []string{"test", "verify", "validate", "check", "run tests"}, weight: 2},
}

// Classifier thresholds and deadlines, overridable by configuration.
type ClassifierConfig struct {
	ManyRequirementsThreshold int   // default 3; "many requirements" fires when count > this
	LargeContextCharsThreshold int  // default 1000
	SimpleInitialMs           int64 // default 60000
	ModerateInitialMs         int64 // default 120000
	ComplexInitialMs          int64 // default 180000
	MaxDeadlineMs             int64 // default 240000
}

// DefaultClassifierConfig matches spec.md's fixed thresholds exactly.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		ManyRequirementsThreshold:  3,
		LargeContextCharsThreshold: 1000,
		SimpleInitialMs:            60_000,
		ModerateInitialMs:          120_000,
		ComplexInitialMs:           180_000,
		MaxDeadlineMs:              240_000,
	}
}

// Classify computes a Classification as a pure function of the request,
// satisfying the "classification determinism" invariant.
func Classify(req spoolproto.Request, cfg ClassifierConfig) Classification {
	objective := strings.ToLower(req.Task.Objective)

	score := 0
	for _, sig := range signals {
		for _, kw := range sig.keywords {
			if strings.Contains(objective, kw) {
				score += sig.weight
				break
			}
		}
	}

	if len(req.Task.Requirements) > cfg.ManyRequirementsThreshold {
		score += 2
	}

	if serializedContextChars(req) > cfg.LargeContextCharsThreshold {
		score += 1
	}

	class := ClassSimple
	initial := cfg.SimpleInitialMs
	switch {
	case score >= 6:
		class = ClassComplex
		initial = cfg.ComplexInitialMs
	case score >= 3:
		class = ClassModerate
		initial = cfg.ModerateInitialMs
	}

	return Classification{
		Class:             class,
		Score:             score,
		InitialDeadlineMs: initial,
		MaxDeadlineMs:     cfg.MaxDeadlineMs,
	}
}

func serializedContextChars(req spoolproto.Request) int {
	if len(req.Task.Context) == 0 {
		return 0
	}
	data, err := marshalContext(req.Task.Context)
	if err != nil {
		return 0
	}
	return len(data)
}
