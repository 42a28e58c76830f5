// Package gate provides a drain/disable barrier for critical sections.
//
// Any number of critical sections may be open at once; the gate does not
// serialize them against each other. WaitForStop disables the gate, so no new
// section can start, and then blocks until every section that was open has
// ended. The gate stays disabled until Reenable is called.
//
// This is not a reader/writer lock: a pending stop never waits for new
// entrants, and entrants never queue behind a pending stop, they fail fast.
package gate

import "sync"

type Gate struct {
	mu       sync.Mutex
	drained  *sync.Cond
	open     int
	disabled bool
}

func New() *Gate {
	g := &Gate{}
	g.drained = sync.NewCond(&g.mu)
	return g
}

// StartCritical registers a new critical section. It returns false, without
// registering anything, if the gate is disabled.
func (g *Gate) StartCritical() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disabled {
		return false
	}
	g.open++
	return true
}

// StopCritical ends a section opened by a successful StartCritical.
func (g *Gate) StopCritical() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open == 0 {
		panic("gate: StopCritical without matching StartCritical")
	}
	g.open--
	if g.open == 0 {
		g.drained.Broadcast()
	}
}

// WaitForStop disables the gate and blocks until all open sections have
// ended. Reenabling the gate while a waiter is blocked lets new sections in,
// and the waiter then also waits for those.
func (g *Gate) WaitForStop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.disabled = true
	for g.open > 0 {
		g.drained.Wait()
	}
}

// Reenable lets StartCritical succeed again.
func (g *Gate) Reenable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabled = false
}

// Disabled reports whether new sections are currently refused.
func (g *Gate) Disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabled
}

// Open returns the number of sections currently open.
func (g *Gate) Open() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
