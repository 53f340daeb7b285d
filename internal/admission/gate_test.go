package admission

import (
	"sync"
	"testing"
)

func TestTryReserveRespectsceiling(t *testing.T) {
	g := NewGate(2)

	if !g.TryReserve() {
		t.Fatal("expected first reservation to succeed")
	}
	if !g.TryReserve() {
		t.Fatal("expected second reservation to succeed")
	}
	if g.TryReserve() {
		t.Fatal("expected third reservation to fail at ceiling")
	}
	if g.Active() != 2 {
		t.Errorf("Active() = %d, want 2", g.Active())
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	g := NewGate(1)

	if !g.TryReserve() {
		t.Fatal("expected reservation to succeed")
	}
	if g.TryReserve() {
		t.Fatal("expected reservation to fail while slot held")
	}

	g.Release()

	if !g.TryReserve() {
		t.Fatal("expected reservation to succeed after release")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	g := NewGate(1)
	g.Release()
	g.Release()
	if g.Active() != 0 {
		t.Errorf("Active() = %d, want 0", g.Active())
	}
}

func TestConcurrencyCeilingUnderContention(t *testing.T) {
	const maxConcurrent = 3
	g := NewGate(maxConcurrent)

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := 0
	current := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !g.TryReserve() {
				return
			}
			mu.Lock()
			current++
			if current > maxObserved {
				maxObserved = current
			}
			mu.Unlock()

			mu.Lock()
			current--
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()

	if maxObserved > maxConcurrent {
		t.Errorf("observed %d concurrent holders, want <= %d", maxObserved, maxConcurrent)
	}
}
