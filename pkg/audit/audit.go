// Package audit is the fabric's append-only record of every root
// invocation: a size-bounded in-memory ring, optionally mirrored to a
// durable newline-delimited-JSON tail.
package audit

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/chainbox/chainbox/pkg/contracts"
)

// Level filters which entries reach the ring at all.
type Level string

const (
	LevelAll    Level = "all"
	LevelErrors Level = "errors"
	LevelNone   Level = "none"
)

// Ring is the process-wide, thread-safe audit log. Append is fail-open by
// design: a durable-tail write error is logged to the ring's own error
// slot rather than propagated, since audit failure must never fail the
// capability invocation that triggered it.
type Ring struct {
	mu      sync.Mutex
	level   Level
	max     int
	entries []contracts.AuditEntry
	next    int
	full    bool
	tail    io.Writer
	tailErr error
}

// NewRing builds a Ring holding at most max entries, admitting records per
// level. tail may be nil to disable the durable mirror.
func NewRing(max int, level Level, tail io.Writer) *Ring {
	if max <= 0 {
		max = 1000
	}
	if level == "" {
		level = LevelAll
	}
	return &Ring{level: level, max: max, entries: make([]contracts.AuditEntry, max), tail: tail}
}

// Append records one completed invocation, satisfying executor.Audit.
func (r *Ring) Append(entry contracts.AuditEntry) {
	if !r.admits(entry) {
		return
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % r.max
	if r.next == 0 {
		r.full = true
	}
	tail := r.tail
	r.mu.Unlock()

	if tail == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		r.setTailErr(err)
		return
	}
	r.mu.Lock()
	_, err = tail.Write(append(line, '\n'))
	r.mu.Unlock()
	if err != nil {
		r.setTailErr(err)
	}
}

func (r *Ring) admits(entry contracts.AuditEntry) bool {
	switch r.level {
	case LevelNone:
		return false
	case LevelErrors:
		return entry.Outcome != contracts.OutcomeSuccess
	default:
		return true
	}
}

func (r *Ring) setTailErr(err error) {
	r.mu.Lock()
	r.tailErr = err
	r.mu.Unlock()
}

// TailErr returns the most recent durable-tail write error, if any.
func (r *Ring) TailErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tailErr
}

// Entries returns a snapshot of the ring in insertion order, oldest first.
func (r *Ring) Entries() []contracts.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]contracts.AuditEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]contracts.AuditEntry, r.max)
	copy(out, r.entries[r.next:])
	copy(out[r.max-r.next:], r.entries[:r.next])
	return out
}

// Len reports how many entries the ring currently holds (capped at max).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.max
	}
	return r.next
}
