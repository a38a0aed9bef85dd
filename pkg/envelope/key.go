package envelope

import (
	"strconv"
	"strings"
)

const keySeparator = "|"

// ConversationKey is the unordered pair of participants of a two-party conversation.
// A is always the lexicographically smaller identity.
type ConversationKey struct {
	A string
	B string
}

// CheckParticipantID rejects identities that could make two different pairs share a key string.
func CheckParticipantID(id string) error {
	if strings.Contains(id, keySeparator) {
		return Reject(ReasonMalformed, "participant id must not contain "+strconv.Quote(keySeparator))
	}
	return nil
}

// KeyFor builds the key for two distinct, non-empty identities in either order.
func KeyFor(x, y string) (ConversationKey, error) {
	x, y = normalizeID(x), normalizeID(y)
	if x == "" || y == "" {
		return ConversationKey{}, Reject(ReasonMalformed, "sender and receiver are required")
	}
	if err := CheckParticipantID(x); err != nil {
		return ConversationKey{}, err
	}
	if err := CheckParticipantID(y); err != nil {
		return ConversationKey{}, err
	}
	if x == y {
		return ConversationKey{}, Reject(ReasonMalformed, "sender and receiver must differ")
	}
	if y < x {
		x, y = y, x
	}
	return ConversationKey{A: x, B: y}, nil
}

// ParseKey parses the String form of a key.
func ParseKey(s string) (ConversationKey, error) {
	a, b, ok := strings.Cut(s, keySeparator)
	if !ok {
		return ConversationKey{}, Reject(ReasonMalformed, "conversation key must look like a|b")
	}
	return KeyFor(a, b)
}

func (k ConversationKey) String() string {
	return k.A + keySeparator + k.B
}

func (k ConversationKey) IsZero() bool {
	return k.A == "" && k.B == ""
}

// Other returns the counterpart of id, or "" when id is not part of the conversation.
func (k ConversationKey) Other(id string) string {
	switch id {
	case k.A:
		return k.B
	case k.B:
		return k.A
	default:
		return ""
	}
}
