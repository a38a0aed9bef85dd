// Package envelope defines the chat wire shapes: raw client envelopes, validated envelopes,
// websocket frames, and the rejection taxonomy.
//
// Validation is pure. Identity and timestamps are assigned by the caller (the relay router)
// at acceptance time, never trusted from the client.
package envelope

import (
	"strings"
	"time"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Envelope is an accepted chat message. JSON names match what the mobile client already
// sends and renders.
type Envelope struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"type"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	SenderName string    `json:"sender,omitempty"`
	Role       string    `json:"role,omitempty"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	SentAt     time.Time `json:"waktu"`
	Ref        string    `json:"ref,omitempty"`
}

// Raw is an envelope as submitted by a client, before validation. Client supplied id and
// timestamp are accepted on the wire but ignored.
type Raw struct {
	ID         string `json:"id,omitempty"`
	Kind       Kind   `json:"type,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	SenderName string `json:"sender,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	Image      string `json:"image,omitempty"`
	SentAt     string `json:"waktu,omitempty"`
	Ref        string `json:"ref,omitempty"`
}

// Key returns the conversation key of an accepted envelope.
func (e Envelope) Key() ConversationKey {
	k, _ := KeyFor(e.SenderID, e.ReceiverID)
	return k
}

// Body returns the populated body, text or image.
func (e Envelope) Body() string {
	if e.Kind == KindImage {
		return e.Image
	}
	return e.Text
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
