package envelope

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type FrameType string

const (
	// inbound
	FrameJoin FrameType = "join"
	FrameSend FrameType = "send"
	FramePing FrameType = "ping"

	// outbound
	FrameJoined   FrameType = "joined"
	FrameMessage  FrameType = "message"
	FrameRejected FrameType = "rejected"
	FramePong     FrameType = "pong"
)

// Frame is the outbound websocket unit. Data is one of Envelope, *Rejection, Joined or Pong.
type Frame struct {
	Type FrameType `json:"type"`
	Data any       `json:"data,omitempty"`
}

type Joined struct {
	ParticipantID string `json:"participantId"`
	SessionID     string `json:"sessionId"`
}

type Pong struct {
	ServerTime int64 `json:"serverTime"`
}

// Inbound is a decoded client frame. Data stays raw until the type is known.
type Inbound struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinData accepts either {"participantId": "..."} or a bare JSON string, which is what the
// mobile client sends with its joinRoom event.
type JoinData struct {
	ParticipantID string `json:"participantId"`
}

func MessageFrame(env Envelope) Frame {
	return Frame{Type: FrameMessage, Data: env}
}

func RejectedFrame(rej *Rejection) Frame {
	return Frame{Type: FrameRejected, Data: rej}
}

func JoinedFrame(participantID, sessionID string) Frame {
	return Frame{Type: FrameJoined, Data: Joined{ParticipantID: participantID, SessionID: sessionID}}
}

func PongFrame(serverTime int64) Frame {
	return Frame{Type: FramePong, Data: Pong{ServerTime: serverTime}}
}

func (f Frame) Marshal() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s frame", f.Type)
	}
	return b, nil
}

// DecodeInbound parses a client frame. A bare "ping" text is treated as a ping frame.
func DecodeInbound(b []byte) (Inbound, error) {
	if strings.EqualFold(strings.TrimSpace(string(b)), "ping") {
		return Inbound{Type: FramePing}, nil
	}
	var in Inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return Inbound{}, Reject(ReasonMalformed, "frame is not valid JSON")
	}
	in.Type = FrameType(strings.ToLower(strings.TrimSpace(string(in.Type))))
	switch in.Type {
	case FrameJoin, FrameSend, FramePing:
		return in, nil
	case "":
		return Inbound{}, Reject(ReasonMalformed, "frame type is missing")
	default:
		return Inbound{}, Reject(ReasonMalformed, "unknown frame type "+string(in.Type))
	}
}

// Join decodes the participant identity of a join frame.
func (in Inbound) Join() (string, error) {
	var s string
	if err := json.Unmarshal(in.Data, &s); err == nil {
		return normalizeID(s), nil
	}
	var jd JoinData
	if err := json.Unmarshal(in.Data, &jd); err != nil {
		return "", Reject(ReasonMalformed, "join data must be a participant id")
	}
	return normalizeID(jd.ParticipantID), nil
}

// Send decodes the raw envelope of a send frame.
func (in Inbound) Send() (Raw, error) {
	var raw Raw
	if len(in.Data) == 0 {
		return Raw{}, Reject(ReasonMalformed, "send frame has no envelope")
	}
	if err := json.Unmarshal(in.Data, &raw); err != nil {
		return Raw{}, Reject(ReasonMalformed, "envelope is not a JSON object")
	}
	return raw, nil
}

// DecodeFrame parses an outbound frame on the client side. The data field of message and
// rejected frames is decoded into the matching type.
func DecodeFrame(b []byte) (Frame, error) {
	var in Inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	f := Frame{Type: in.Type}
	switch in.Type {
	case FrameMessage:
		var env Envelope
		if err := json.Unmarshal(in.Data, &env); err != nil {
			return Frame{}, errors.Wrap(err, "decode message frame")
		}
		f.Data = env
	case FrameRejected:
		var rej Rejection
		if err := json.Unmarshal(in.Data, &rej); err != nil {
			return Frame{}, errors.Wrap(err, "decode rejected frame")
		}
		f.Data = &rej
	case FrameJoined:
		var j Joined
		if err := json.Unmarshal(in.Data, &j); err != nil {
			return Frame{}, errors.Wrap(err, "decode joined frame")
		}
		f.Data = j
	case FramePong:
		var p Pong
		_ = json.Unmarshal(in.Data, &p)
		f.Data = p
	default:
		return Frame{}, errors.Errorf("unknown frame type %q", in.Type)
	}
	return f, nil
}
