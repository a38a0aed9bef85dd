package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

type stubChannel struct {
	id string
}

func (s *stubChannel) ID() string                  { return s.id }
func (s *stubChannel) Deliver(envelope.Frame) bool { return true }

func TestRegistry_BindIsIdempotent(t *testing.T) {
	r := New()
	ch := &stubChannel{id: "c1"}
	require.NoError(t, r.Bind("p1", ch))
	require.NoError(t, r.Bind("p1", ch))
	require.Equal(t, []Channel{ch}, r.ChannelsFor("p1"))
	require.Equal(t, Stats{Participants: 1, Channels: 1}, r.Stats())
}

func TestRegistry_MultipleChannelsInBindOrder(t *testing.T) {
	r := New()
	c1, c2 := &stubChannel{id: "c1"}, &stubChannel{id: "c2"}
	require.NoError(t, r.Bind("d1", c1))
	require.NoError(t, r.Bind("d1", c2))
	require.Equal(t, []Channel{c1, c2}, r.ChannelsFor("d1"))

	owner, ok := r.Unbind(c1)
	require.True(t, ok)
	require.Equal(t, "d1", owner)
	require.Equal(t, []Channel{c2}, r.ChannelsFor("d1"))
}

func TestRegistry_RebindMovesChannel(t *testing.T) {
	r := New()
	ch := &stubChannel{id: "c1"}
	require.NoError(t, r.Bind("p1", ch))
	require.NoError(t, r.Bind("p2", ch))
	require.Empty(t, r.ChannelsFor("p1"))
	require.Equal(t, []Channel{ch}, r.ChannelsFor("p2"))
	owner, ok := r.ParticipantOf(ch)
	require.True(t, ok)
	require.Equal(t, "p2", owner)
	require.Equal(t, Stats{Participants: 1, Channels: 1}, r.Stats())
}

func TestRegistry_UnbindUnknownIsNoop(t *testing.T) {
	r := New()
	_, ok := r.Unbind(&stubChannel{id: "x"})
	require.False(t, ok)
	_, ok = r.Unbind(nil)
	require.False(t, ok)
	require.Nil(t, r.ChannelsFor("nobody"))
}

func TestRegistry_RejectsInvalidBind(t *testing.T) {
	r := New()
	require.Error(t, r.Bind(" ", &stubChannel{id: "c"}))
	require.Error(t, r.Bind("p1", nil))
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := New()
	c1, c2 := &stubChannel{id: "c1"}, &stubChannel{id: "c2"}
	require.NoError(t, r.Bind("p1", c1))
	snap := r.ChannelsFor("p1")
	require.NoError(t, r.Bind("p1", c2))
	_, _ = r.Unbind(c1)
	require.Equal(t, []Channel{c1}, snap)
}

func TestRegistry_ConcurrentBindUnbind(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := &stubChannel{id: fmt.Sprintf("c%d", i)}
			owner := fmt.Sprintf("p%d", i%4)
			for j := 0; j < 100; j++ {
				require.NoError(t, r.Bind(owner, ch))
				_ = r.ChannelsFor(owner)
				_, _ = r.Unbind(ch)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, Stats{}, r.Stats())
}
