package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeInbound_Join(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":"join","data":"p1"}`))
	require.NoError(t, err)
	require.Equal(t, FrameJoin, in.Type)
	id, err := in.Join()
	require.NoError(t, err)
	require.Equal(t, "p1", id)

	in, err = DecodeInbound([]byte(`{"type":"JOIN","data":{"participantId":" d1 "}}`))
	require.NoError(t, err)
	id, err = in.Join()
	require.NoError(t, err)
	require.Equal(t, "d1", id)
}

func TestDecodeInbound_Send(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":"send","data":{"text":"hi","sender":"Pasien","senderId":"p1","receiverId":"d1","type":"text","role":"pasien","waktu":"2024-01-01T00:00:00Z"}}`))
	require.NoError(t, err)
	raw, err := in.Send()
	require.NoError(t, err)
	require.Equal(t, "hi", raw.Text)
	require.Equal(t, "p1", raw.SenderID)
	require.Equal(t, KindText, raw.Kind)
	require.Equal(t, "pasien", raw.Role)

	in, err = DecodeInbound([]byte(`{"type":"send","data":[1,2]}`))
	require.NoError(t, err)
	_, err = in.Send()
	requireReason(t, err, ReasonMalformed)
}

func TestDecodeInbound_Ping(t *testing.T) {
	in, err := DecodeInbound([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, FramePing, in.Type)

	in, err = DecodeInbound([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, FramePing, in.Type)
}

func TestDecodeInbound_Invalid(t *testing.T) {
	for _, b := range []string{`{`, `{"data":1}`, `{"type":"edit"}`} {
		_, err := DecodeInbound([]byte(b))
		requireReason(t, err, ReasonMalformed)
	}
}

func TestFrame_MessageWireShape(t *testing.T) {
	sentAt := time.Date(2024, 5, 1, 3, 0, 0, 5, time.UTC)
	b, err := MessageFrame(Envelope{
		ID: "m1", Kind: KindText, SenderID: "p1", ReceiverID: "d1", Text: "hi", SentAt: sentAt,
	}).Marshal()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "message", m["type"])
	data := m["data"].(map[string]any)
	require.Equal(t, "m1", data["id"])
	require.Equal(t, "text", data["type"])
	require.Equal(t, "p1", data["senderId"])
	require.Equal(t, "d1", data["receiverId"])
	require.Equal(t, "2024-05-01T03:00:00.000000005Z", data["waktu"])
	_, hasImage := data["image"]
	require.False(t, hasImage)

	f, err := DecodeFrame(b)
	require.NoError(t, err)
	env, ok := f.Data.(Envelope)
	require.True(t, ok)
	require.True(t, env.SentAt.Equal(sentAt))
}

func TestFrame_RejectedWireShape(t *testing.T) {
	b, err := RejectedFrame(Reject(ReasonConversationBlocked, "").WithRef("r7")).Marshal()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"rejected","data":{"reason":"conversation_blocked","message":"conversation blocked","ref":"r7"}}`, string(b))

	f, err := DecodeFrame(b)
	require.NoError(t, err)
	rej, ok := f.Data.(*Rejection)
	require.True(t, ok)
	require.Equal(t, ReasonConversationBlocked, rej.Reason)
}
