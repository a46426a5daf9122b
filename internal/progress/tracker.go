// Package progress maps decoded progress events onto the UI snapshot.
package progress

import (
	"sync"

	"github.com/kalambet/leadchat/internal/events"
	"github.com/kalambet/leadchat/internal/lead"
)

// Tracker holds the current ProgressSnapshot of one session.
//
// Percent never goes backwards between two Reset calls, so a late or
// reordered upstream progress frame cannot make the bar jump back.
type Tracker struct {
	mu   sync.RWMutex
	snap lead.ProgressSnapshot
}

// NewTracker returns a tracker with a hidden, zeroed snapshot.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Apply folds ev into the snapshot and returns the result. Only progress
// events change it; terminal events are handled by the caller.
func (t *Tracker) Apply(ev events.Event) lead.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Kind != events.KindProgress {
		return t.snap
	}

	pct := clamp(ev.Percent, 0, 100)
	if pct < t.snap.Percent {
		pct = t.snap.Percent
	}
	found := ev.RecordsFound
	if found < 0 {
		found = 0
	}

	t.snap = lead.ProgressSnapshot{
		Visible:      true,
		Message:      ev.Message,
		Percent:      pct,
		RecordsFound: found,
	}
	return t.snap
}

// Annotate replaces the message while keeping the counters, and makes the
// snapshot visible. Used for watchdog and reconnect notices.
func (t *Tracker) Annotate(message string) lead.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Visible = true
	t.snap.Message = message
	return t.snap
}

// Hide marks the snapshot invisible after a terminal event.
func (t *Tracker) Hide() lead.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Visible = false
	return t.snap
}

// Reset clears the snapshot for the next phase.
func (t *Tracker) Reset() lead.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = lead.ProgressSnapshot{}
	return t.snap
}

// Snapshot returns the current snapshot.
func (t *Tracker) Snapshot() lead.ProgressSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
