package spoolproto

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// nicknameAdjectives and nicknameNouns back a short human-readable label
// attached to each spawned agent for log lines, distinct from the
// requestId (which is the durable, spec-mandated identifier). Trimmed from
// a much larger word list — the log label only needs to disambiguate a
// handful of concurrently running agents at a glance.
var nicknameAdjectives = []string{
	"swift", "quiet", "terse", "brisk", "dry",
	"keen", "plain", "blunt", "wry", "flat",
}

var nicknameNouns = []string{
	"probe", "relay", "shard", "beacon", "socket",
	"thread", "buffer", "cursor", "anchor", "pivot",
}

var nicknameRng = rand.New(rand.NewSource(time.Now().UnixNano()))

// generateNickname produces a short adjective_noun label, e.g. "swift_relay".
func generateNickname() string {
	adj := nicknameAdjectives[nicknameRng.Intn(len(nicknameAdjectives))]
	noun := nicknameNouns[nicknameRng.Intn(len(nicknameNouns))]
	return fmt.Sprintf("%s_%s", adj, noun)
}

// NicknameGenerator hands out collision-free log labels for concurrently
// running agents. Safe for concurrent use.
type NicknameGenerator struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewNicknameGenerator creates an empty generator.
func NewNicknameGenerator() *NicknameGenerator {
	return &NicknameGenerator{used: make(map[string]bool)}
}

// Generate returns a nickname not currently in use, retrying on collision
// and falling back to a UUID-suffixed label if the small word list is
// exhausted (practically unreachable at any realistic pool size).
func (g *NicknameGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	for attempts := 0; attempts < 100; attempts++ {
		name := generateNickname()
		if !g.used[name] {
			g.used[name] = true
			return name
		}
	}
	name := fmt.Sprintf("agent_%s", uuid.Must(uuid.NewV7()).String()[:8])
	g.used[name] = true
	return name
}

// Release marks a nickname available for reuse.
func (g *NicknameGenerator) Release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.used, name)
}
