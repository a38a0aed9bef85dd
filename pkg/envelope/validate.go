package envelope

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxImageBytes bounds the encoded image payload when Options leaves it unset.
const DefaultMaxImageBytes = 5 << 20

type Options struct {
	// MaxImageBytes is measured on the encoded payload as relayed. <= 0 means DefaultMaxImageBytes.
	MaxImageBytes int
}

func (o Options) maxImageBytes() int {
	if o.MaxImageBytes <= 0 {
		return DefaultMaxImageBytes
	}
	return o.MaxImageBytes
}

// Validate checks raw for structural soundness and returns the accepted envelope with SentAt
// set to receivedAt. The returned error is always a *Rejection. ID is left empty for the
// caller to assign.
func Validate(raw Raw, receivedAt time.Time, opts Options) (Envelope, error) {
	rej := func(reason Reason, detail string) (Envelope, error) {
		return Envelope{}, Reject(reason, detail).WithRef(raw.Ref)
	}

	sender, receiver := normalizeID(raw.SenderID), normalizeID(raw.ReceiverID)
	if sender == "" {
		return rej(ReasonMalformed, "missing senderId")
	}
	if receiver == "" {
		return rej(ReasonMalformed, "missing receiverId")
	}
	if sender == receiver {
		return rej(ReasonMalformed, "sender and receiver must differ")
	}
	for _, id := range []string{sender, receiver} {
		if err := CheckParticipantID(id); err != nil {
			r, _ := AsRejection(err)
			return rej(r.Reason, r.Detail)
		}
	}

	hasText, hasImage := raw.Text != "", raw.Image != ""
	switch {
	case hasText && hasImage:
		return rej(ReasonMalformed, "text and image are mutually exclusive")
	case !hasText && !hasImage:
		return rej(ReasonMalformed, "message body is empty")
	}

	kind := KindText
	if hasImage {
		kind = KindImage
	}
	if raw.Kind != "" && raw.Kind != kind {
		return rej(ReasonMalformed, fmt.Sprintf("type %q does not match the %s body", raw.Kind, kind))
	}

	if hasText && strings.TrimSpace(raw.Text) == "" {
		return rej(ReasonMalformed, "text is blank")
	}
	if hasImage {
		if limit := opts.maxImageBytes(); len(raw.Image) > limit {
			return rej(ReasonPayloadTooLarge, fmt.Sprintf("image is %d bytes, limit is %d", len(raw.Image), limit))
		}
	}

	return Envelope{
		Kind:       kind,
		SenderID:   sender,
		ReceiverID: receiver,
		SenderName: raw.SenderName,
		Role:       raw.Role,
		Text:       raw.Text,
		Image:      raw.Image,
		SentAt:     receivedAt.UTC(),
		Ref:        raw.Ref,
	}, nil
}
