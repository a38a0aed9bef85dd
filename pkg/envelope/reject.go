package envelope

import (
	stderrors "errors"
	"fmt"
)

// Reason is the machine-readable cause of a rejection.
type Reason string

const (
	ReasonMalformed           Reason = "malformed_envelope"
	ReasonPayloadTooLarge     Reason = "payload_too_large"
	ReasonConversationBlocked Reason = "conversation_blocked"
	ReasonPolicyUnavailable   Reason = "policy_unavailable"
	ReasonNotJoined           Reason = "not_joined"
	ReasonSenderMismatch      Reason = "sender_mismatch"
	ReasonRateLimited         Reason = "rate_limited"
)

var reasonMessages = map[Reason]string{
	ReasonMalformed:           "malformed message",
	ReasonPayloadTooLarge:     "image too large",
	ReasonConversationBlocked: "conversation blocked",
	ReasonPolicyUnavailable:   "message could not be checked, try again later",
	ReasonNotJoined:           "join before sending",
	ReasonSenderMismatch:      "sender does not match the joined participant",
	ReasonRateLimited:         "sending too fast",
}

// Message returns the human-readable text shown to the sender.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return string(r)
}

// Rejection is a terminal, per-envelope refusal. It is delivered to the sender only.
type Rejection struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

func Reject(reason Reason, detail string) *Rejection {
	return &Rejection{Reason: reason, Message: reason.Message(), Detail: detail}
}

func (r *Rejection) Error() string {
	if r == nil {
		return ""
	}
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// WithRef returns a copy carrying the client's correlation token.
func (r *Rejection) WithRef(ref string) *Rejection {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Ref = ref
	return &cp
}

// AsRejection extracts a rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if stderrors.As(err, &rej) && rej != nil {
		return rej, true
	}
	return nil, false
}
