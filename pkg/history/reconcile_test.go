package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func msg(id string, n int) envelope.Envelope {
	return envelope.Envelope{
		ID:         id,
		Kind:       envelope.KindText,
		SenderID:   "p1",
		ReceiverID: "d1",
		Text:       fmt.Sprintf("m%d", n),
		SentAt:     t0.Add(time.Duration(n) * time.Second),
	}
}

func ids(envs []envelope.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.ID)
	}
	return out
}

func TestReconcile_SnapshotThenLiveWithoutDuplicates(t *testing.T) {
	snap := []envelope.Envelope{msg("1", 1), msg("2", 2), msg("3", 3)}
	live := []envelope.Envelope{msg("3", 3), msg("4", 4), msg("5", 5), msg("4", 4)}
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(Reconcile(snap, live)))
}

func TestReconcile_DropsSnapshotInternalDuplicates(t *testing.T) {
	snap := []envelope.Envelope{msg("1", 1), msg("1", 1), msg("2", 2)}
	require.Equal(t, []string{"1", "2"}, ids(Reconcile(snap, nil)))
}

func TestReconcile_KeepsGivenSnapshotOrder(t *testing.T) {
	snap := []envelope.Envelope{msg("2", 2), msg("1", 1)}
	require.Equal(t, []string{"2", "1"}, ids(Reconcile(snap, nil)))
}

func TestReconcile_FingerprintWhenIDMissing(t *testing.T) {
	a := msg("", 1)
	b := msg("", 1)
	c := msg("", 2)
	out := Reconcile([]envelope.Envelope{a}, []envelope.Envelope{b, c})
	require.Len(t, out, 2)
	require.Equal(t, "m2", out[1].Text)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestReconcile_EmptyInputs(t *testing.T) {
	require.Empty(t, Reconcile(nil, nil))
}

func TestTimeline_ReapplyingSnapshotIsIdempotent(t *testing.T) {
	tl := NewTimeline()
	snap := []envelope.Envelope{msg("1", 1), msg("2", 2)}
	tl.ApplySnapshot(snap)
	require.True(t, tl.Append(msg("3", 3)))
	first := tl.Messages()

	tl.ApplySnapshot(snap)
	require.Equal(t, first, tl.Messages())
	require.Equal(t, 3, tl.Len())
}

func TestTimeline_LiveBeforeSnapshot(t *testing.T) {
	tl := NewTimeline()
	require.True(t, tl.Append(msg("3", 3)))
	require.True(t, tl.Append(msg("4", 4)))
	require.False(t, tl.Append(msg("4", 4)))

	tl.ApplySnapshot([]envelope.Envelope{msg("1", 1), msg("2", 2), msg("3", 3)})
	require.Equal(t, []string{"1", "2", "3", "4"}, ids(tl.Messages()))

	require.False(t, tl.Append(msg("2", 2)))
	require.True(t, tl.Append(msg("5", 5)))
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(tl.Messages()))
}

func TestTimeline_NewerSnapshotAbsorbsLive(t *testing.T) {
	tl := NewTimeline()
	tl.ApplySnapshot([]envelope.Envelope{msg("1", 1)})
	tl.Append(msg("2", 2))
	tl.ApplySnapshot([]envelope.Envelope{msg("1", 1), msg("2", 2)})
	require.Equal(t, []string{"1", "2"}, ids(tl.Messages()))
	require.False(t, tl.Append(msg("2", 2)))
}

func TestTimeline_ConcurrentAppend(t *testing.T) {
	tl := NewTimeline()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tl.Append(msg(fmt.Sprintf("%d", i), i))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, tl.Len())
}

type fetcherFunc func(ctx context.Context, a, b string) ([]envelope.Envelope, error)

func (f fetcherFunc) Fetch(ctx context.Context, a, b string) ([]envelope.Envelope, error) {
	return f(ctx, a, b)
}

func TestLoad_FetchErrorLeavesTimelineUsable(t *testing.T) {
	tl := NewTimeline()
	tl.Append(msg("9", 9))
	err := Load(context.Background(), fetcherFunc(func(context.Context, string, string) ([]envelope.Envelope, error) {
		return nil, errors.New("offline")
	}), "p1", "d1", tl)
	require.Error(t, err)
	require.True(t, tl.Append(msg("10", 10)))
	require.Equal(t, []string{"9", "10"}, ids(tl.Messages()))

	err = Load(context.Background(), fetcherFunc(func(_ context.Context, a, b string) ([]envelope.Envelope, error) {
		require.Equal(t, "p1", a)
		require.Equal(t, "d1", b)
		return []envelope.Envelope{msg("8", 8), msg("9", 9)}, nil
	}), "p1", "d1", tl)
	require.NoError(t, err)
	require.Equal(t, []string{"8", "9", "10"}, ids(tl.Messages()))
}
