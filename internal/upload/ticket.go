package upload

import (
	"context"
	"sync"
	"time"

	"microscopy-analyzer/internal/failure"
)

// State is the lifecycle of one upload attempt.
type State string

const (
	StateUploading State = "UPLOADING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// TicketSnapshot is an immutable copy of a ticket's state.
type TicketSnapshot struct {
	ID         string
	AssetID    string
	ObjectKey  string
	Progress   int    // 0-100, never decreases
	Locator    string // set only when State is SUCCEEDED
	State      State
	Err        string
	ErrKind    failure.Kind
	StartedAt  time.Time
	ResolvedAt time.Time
}

// Resolved reports whether the ticket reached a terminal state.
func (s TicketSnapshot) Resolved() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// Ticket tracks one upload attempt. It is written only by the Coordinator
// goroutine that created it and resolves exactly once; a retry gets a new
// ticket.
type Ticket struct {
	mu      sync.Mutex
	snap    TicketSnapshot
	err     error
	updates chan int
	done    chan struct{}
}

func newTicket(id, assetID string, now time.Time) *Ticket {
	t := &Ticket{
		snap: TicketSnapshot{
			ID:        id,
			AssetID:   assetID,
			State:     StateUploading,
			StartedAt: now,
		},
		// Progress values are strictly increasing within 0..100, so 101
		// slots can hold every update and the sender never blocks.
		updates: make(chan int, 101),
		done:    make(chan struct{}),
	}
	t.updates <- 0
	return t
}

// ID returns the ticket id.
func (t *Ticket) ID() string {
	return t.snap.ID
}

// Updates delivers progress percentages in strictly increasing order. The
// channel is closed once the ticket resolves; a successful ticket always
// ends with 100.
func (t *Ticket) Updates() <-chan int {
	return t.updates
}

// Done is closed when the ticket resolves.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the ticket resolves or ctx is done, returning the remote
// locator on success.
func (t *Ticket) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Locator, t.err
}

// Snapshot returns a copy of the current state.
func (t *Ticket) Snapshot() TicketSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Err returns the failure, if the ticket failed.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// advance records transport progress. Regressions and repeats are dropped,
// and 100 is reserved for the resolution that also sets the locator.
func (t *Ticket) advance(percent int) {
	if percent > 99 {
		percent = 99
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Resolved() || percent <= t.snap.Progress {
		return
	}
	t.snap.Progress = percent
	t.updates <- percent
}

func (t *Ticket) succeed(key, locator string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Resolved() {
		return
	}
	t.snap.ObjectKey = key
	t.snap.Locator = locator
	t.snap.Progress = 100
	t.snap.State = StateSucceeded
	t.snap.ResolvedAt = now
	t.updates <- 100
	close(t.updates)
	close(t.done)
}

func (t *Ticket) fail(key string, err error, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Resolved() {
		return
	}
	t.err = err
	t.snap.ObjectKey = key
	t.snap.State = StateFailed
	t.snap.Err = failure.ReasonOf(err)
	t.snap.ErrKind = failure.KindOf(err)
	t.snap.ResolvedAt = now
	close(t.updates)
	close(t.done)
}
