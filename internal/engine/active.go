package engine

import "sync"

// activeRuns tracks the cancellation channel of every run with a live
// coordinator on this instance.
type activeRuns struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	cancel chan struct{}
	once   sync.Once
}

func newActiveRuns() *activeRuns {
	return &activeRuns{runs: make(map[string]*activeRun)}
}

func (a *activeRuns) add(runID string, cancel chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[runID] = &activeRun{cancel: cancel}
}

func (a *activeRuns) remove(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, runID)
}

// cancel signals the run's coordinator and reports whether the run was
// active. Signalling twice is a no-op.
func (a *activeRuns) cancel(runID string) bool {
	a.mu.Lock()
	r, ok := a.runs[runID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	r.once.Do(func() { close(r.cancel) })
	return true
}

// count returns the number of active coordinators.
func (a *activeRuns) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}
