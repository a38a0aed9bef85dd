// Package history merges a pulled conversation snapshot with live envelopes and provides the
// stores and clients that hold that snapshot.
package history

import (
	"sync"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// Reconcile returns the snapshot in its given order followed by the live envelopes in arrival
// order, with every envelope appearing once. Snapshot entries win over live duplicates.
func Reconcile(snapshot, live []envelope.Envelope) []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(snapshot)+len(live))
	seen := make(map[string]struct{}, len(snapshot)+len(live))
	for _, list := range [][]envelope.Envelope{snapshot, live} {
		for _, env := range list {
			id := Identity(env)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, env)
		}
	}
	return out
}

// Timeline is the client-side view of one conversation: the latest snapshot plus the live
// envelopes it does not cover yet. It is safe for concurrent use.
type Timeline struct {
	mu       sync.Mutex
	snapshot []envelope.Envelope
	live     []envelope.Envelope
	seen     map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{seen: map[string]struct{}{}}
}

// ApplySnapshot replaces the snapshot portion. Live envelopes the snapshot now covers are
// dropped; the rest stay after it in arrival order.
func (t *Timeline) ApplySnapshot(snapshot []envelope.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Reconcile(snapshot, nil)
	merged := Reconcile(snap, t.live)
	t.snapshot = snap
	t.live = append([]envelope.Envelope(nil), merged[len(snap):]...)
	t.seen = make(map[string]struct{}, len(merged))
	for _, env := range merged {
		t.seen[Identity(env)] = struct{}{}
	}
}

// Append adds a live envelope and reports false when it was already present.
func (t *Timeline) Append(env envelope.Envelope) bool {
	id := Identity(env)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = struct{}{}
	t.live = append(t.live, env)
	return true
}

// Messages returns a copy of the reconciled sequence.
func (t *Timeline) Messages() []envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]envelope.Envelope, 0, len(t.snapshot)+len(t.live))
	out = append(out, t.snapshot...)
	return append(out, t.live...)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.snapshot) + len(t.live)
}
