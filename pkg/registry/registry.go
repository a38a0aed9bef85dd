// Package registry tracks which live channels belong to which participant.
//
// All operations are atomic with respect to each other. Lookups return snapshot copies so
// callers deliver to channels without holding the registry lock.
package registry

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// Channel is one live delivery path to a participant.
type Channel interface {
	ID() string
	// Deliver hands a frame to the channel without blocking. It returns false when the frame
	// was dropped.
	Deliver(envelope.Frame) bool
}

type Stats struct {
	Participants int `json:"participants"`
	Channels     int `json:"channels"`
}

type Registry struct {
	mu      sync.RWMutex
	byOwner map[string][]Channel
	owners  map[Channel]string
}

func New() *Registry {
	return &Registry{
		byOwner: map[string][]Channel{},
		owners:  map[Channel]string{},
	}
}

// Bind associates ch with participantID. Binding the same pair again is a no-op; binding ch
// under a different identity moves it.
func (r *Registry) Bind(participantID string, ch Channel) error {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return errors.New("registry: participant id is empty")
	}
	if ch == nil {
		return errors.New("registry: channel is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owners[ch]; ok {
		if prev == participantID {
			return nil
		}
		r.removeLocked(prev, ch)
	}
	r.owners[ch] = participantID
	r.byOwner[participantID] = append(r.byOwner[participantID], ch)
	return nil
}

// Unbind removes ch and reports the identity it was bound to.
func (r *Registry) Unbind(ch Channel) (string, bool) {
	if ch == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[ch]
	if !ok {
		return "", false
	}
	r.removeLocked(owner, ch)
	return owner, true
}

// ChannelsFor returns the channels bound to participantID in bind order.
func (r *Registry) ChannelsFor(participantID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chs := r.byOwner[strings.TrimSpace(participantID)]
	if len(chs) == 0 {
		return nil
	}
	return append([]Channel(nil), chs...)
}

func (r *Registry) ParticipantOf(ch Channel) (string, bool) {
	if ch == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[ch]
	return owner, ok
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Participants: len(r.byOwner), Channels: len(r.owners)}
}

func (r *Registry) removeLocked(owner string, ch Channel) {
	delete(r.owners, ch)
	chs := r.byOwner[owner]
	for i, c := range chs {
		if c == ch {
			chs = append(chs[:i:i], chs[i+1:]...)
			break
		}
	}
	if len(chs) == 0 {
		delete(r.byOwner, owner)
		return
	}
	r.byOwner[owner] = chs
}
