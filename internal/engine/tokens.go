package engine

import "sync/atomic"

// Tokens is the swarm generation counter. Viewer-side callbacks capture the
// token when they are scheduled and drop their work once it is stale.
type Tokens struct {
	gen atomic.Uint64
}

// Bump invalidates every previously issued token.
func (t *Tokens) Bump() uint64 { return t.gen.Add(1) }

func (t *Tokens) Current() uint64 { return t.gen.Load() }

func (t *Tokens) Valid(token uint64) bool { return t.gen.Load() == token }

// Valid reports whether token is the current swarm generation.
func (e *Engine) Valid(token uint64) bool { return e.Tokens.Valid(token) }
