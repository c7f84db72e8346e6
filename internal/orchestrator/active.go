package orchestrator

import (
	"errors"
	"sync"

	"github.com/taskpilot-ai/agent-platform/pkg/metrics"
)

// ErrTurnActive is returned when a thread already has a turn in flight.
var ErrTurnActive = errors.New("a turn is already active on this thread")

// ActiveTurns tracks which threads have a turn in flight, enforcing the
// one-turn-per-thread admission rule.
type ActiveTurns struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewActiveTurns creates an empty tracker.
func NewActiveTurns() *ActiveTurns {
	return &ActiveTurns{active: make(map[string]struct{})}
}

// Begin claims the thread for a new turn. The returned release function is
// idempotent and must be called when the turn reaches its terminal event.
func (a *ActiveTurns) Begin(threadID string) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[threadID]; ok {
		return nil, ErrTurnActive
	}
	a.active[threadID] = struct{}{}
	metrics.ActiveTurns.Inc()

	var once sync.Once
	release := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.active, threadID)
			a.mu.Unlock()
			metrics.ActiveTurns.Dec()
		})
	}
	return release, nil
}
