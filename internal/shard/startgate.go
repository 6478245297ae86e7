package shard

import "sync"

// StartGate is the global start mutex + broadcast condition spec.md §5
// describes: every shard's sender and receiver block on [StartGate.Wait]
// until the orchestrator calls [StartGate.Release], so all shards begin
// sending at the same process-wide start_time.
type StartGate struct {
	mu   sync.Mutex
	cond *sync.Cond
	open bool
}

// NewStartGate returns a closed [StartGate].
func NewStartGate() (g *StartGate) {
	g = &StartGate{}
	g.cond = sync.NewCond(&g.mu)

	return g
}

// Wait blocks until [StartGate.Release] has been called.
func (g *StartGate) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for !g.open {
		g.cond.Wait()
	}
}

// Release opens the gate, waking every blocked [StartGate.Wait] call. Safe
// to call more than once.
func (g *StartGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.open = true
	g.cond.Broadcast()
}
