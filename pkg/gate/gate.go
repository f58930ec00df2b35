// Package gate provides a reference-counted hold/release barrier that
// suspends refresh scheduling during UI-critical sections and flushes any
// pending work exactly once on the final release.
package gate

import "sync"

// Target is one suspendable refresh scheduler. Resume is expected to flush a
// recorded pending trigger with a single fetch.
type Target interface {
	Suspend()
	Resume()
}

// Token identifies one hold. Releasing the same token twice is a no-op, so
// nested critical sections compose without double-decrement bugs.
type Token struct {
	id uint64
}

// Gate suspends registered targets while at least one hold is outstanding.
// A counter, not a boolean: overlapping critical sections keep the gate
// closed until the last one releases.
type Gate struct {
	mu      sync.Mutex
	nextID  uint64
	holders map[uint64]struct{}
	targets []Target
}

// New creates an open gate with no targets.
func New() *Gate {
	return &Gate{holders: make(map[uint64]struct{})}
}

// Register adds a target. A target registered while the gate is held is
// suspended immediately.
func (g *Gate) Register(t Target) {
	g.mu.Lock()
	g.targets = append(g.targets, t)
	held := len(g.holders) > 0
	g.mu.Unlock()

	if held {
		t.Suspend()
	}
}

// Hold closes the gate and returns the token for the matching Release.
func (g *Gate) Hold() Token {
	g.mu.Lock()
	g.nextID++
	token := Token{id: g.nextID}
	g.holders[token.id] = struct{}{}
	first := len(g.holders) == 1
	targets := append([]Target(nil), g.targets...)
	g.mu.Unlock()

	if first {
		for _, t := range targets {
			t.Suspend()
		}
	}
	return token
}

// Release gives back one hold. Unknown or already-released tokens are
// ignored. When the last hold is released every target resumes, which
// flushes any pending trigger exactly once per target.
func (g *Gate) Release(token Token) {
	g.mu.Lock()
	if _, held := g.holders[token.id]; !held {
		g.mu.Unlock()
		return
	}
	delete(g.holders, token.id)
	last := len(g.holders) == 0
	targets := append([]Target(nil), g.targets...)
	g.mu.Unlock()

	if last {
		for _, t := range targets {
			t.Resume()
		}
	}
}

// Held reports whether any hold is outstanding.
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.holders) > 0
}

// Holders returns the number of outstanding holds.
func (g *Gate) Holders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.holders)
}
