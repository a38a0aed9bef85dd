package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// FingerprintAlgorithmV1 identifies the canonical material hashed for envelopes without an id.
//
// The canonical material is JSON over:
//   - senderId
//   - receiverId
//   - sentAt (unix nanoseconds)
//   - kind
//   - body (text or image)
const FingerprintAlgorithmV1 = "sha256-canonical-json-v1"

type fingerprintMaterial struct {
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	SentAtNs   int64         `json:"sentAt"`
	Kind       envelope.Kind `json:"kind"`
	Body       string        `json:"body"`
}

// Fingerprint returns the lowercase-hex SHA-256 over the envelope's canonical material.
func Fingerprint(env envelope.Envelope) string {
	b, _ := json.Marshal(fingerprintMaterial{
		SenderID:   strings.TrimSpace(env.SenderID),
		ReceiverID: strings.TrimSpace(env.ReceiverID),
		SentAtNs:   env.SentAt.UnixNano(),
		Kind:       env.Kind,
		Body:       env.Body(),
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Identity is the deduplication key of env: its id when set, its fingerprint otherwise.
func Identity(env envelope.Envelope) string {
	if id := strings.TrimSpace(env.ID); id != "" {
		return "id:" + id
	}
	return "fp:" + Fingerprint(env)
}
