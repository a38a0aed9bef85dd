package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/registry"
	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// pipeTransport feeds scripted inbound frames and records outbound ones.
type pipeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	out      []envelope.Frame
	pings    int
	onPong   func()
	writeErr error
	block    chan struct{}
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, errors.New("transport closed")
	}
}

func (p *pipeTransport) WriteMessage(data []byte, _ time.Time) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-p.closed:
			return errors.New("transport closed")
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	f, err := envelope.DecodeFrame(data)
	if err != nil {
		return err
	}
	p.out = append(p.out, f)
	return nil
}

func (p *pipeTransport) WritePing(time.Time) error {
	p.mu.Lock()
	p.pings++
	p.mu.Unlock()
	return nil
}

func (p *pipeTransport) OnPong(fn func()) {
	p.mu.Lock()
	p.onPong = fn
	p.mu.Unlock()
}

func (p *pipeTransport) pong() {
	p.mu.Lock()
	fn := p.onPong
	p.mu.Unlock()
	fn()
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) RemoteAddr() string { return "pipe" }

func (p *pipeTransport) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pipeTransport) frames() []envelope.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]envelope.Frame(nil), p.out...)
}

func (p *pipeTransport) framesOf(typ envelope.FrameType) []envelope.Frame {
	var out []envelope.Frame
	for _, f := range p.frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (p *pipeTransport) sendJSON(t *testing.T, typ envelope.FrameType, data any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	require.NoError(t, err)
	p.in <- b
}

type harness struct {
	reg    *registry.Registry
	router *relay.Router
	mgr    *Manager
}

func newHarness(t *testing.T, cfg Config, opts ...relay.RouterOption) *harness {
	t.Helper()
	reg := registry.New()
	router, err := relay.NewRouter(reg, opts...)
	require.NoError(t, err)
	mgr, err := NewManager(reg, router, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		mgr.Shutdown()
		router.Close()
	})
	return &harness{reg: reg, router: router, mgr: mgr}
}

func (h *harness) serve(t *testing.T, participantID string) (*Session, *pipeTransport) {
	t.Helper()
	tr := newPipeTransport()
	s, err := h.mgr.Open(context.Background(), tr, participantID)
	require.NoError(t, err)
	go s.Serve(context.Background())
	return s, tr
}

func testConfig() Config {
	return Config{SendBuffer: 16, WriteTimeout: time.Second}
}

func TestSession_JoinThenSendRoutesToReceiver(t *testing.T) {
	h := newHarness(t, testConfig())
	_, a := h.serve(t, "")
	_, b := h.serve(t, "B")

	require.Eventually(t, func() bool { return len(b.framesOf(envelope.FrameJoined)) == 1 }, time.Second, 5*time.Millisecond)

	a.sendJSON(t, envelope.FrameJoin, "A")
	require.Eventually(t, func() bool { return len(h.reg.ChannelsFor("A")) == 1 }, time.Second, 5*time.Millisecond)

	a.sendJSON(t, envelope.FrameSend, map[string]any{"senderId": "A", "receiverId": "B", "text": "Halo", "type": "text"})
	require.Eventually(t, func() bool { return len(b.framesOf(envelope.FrameMessage)) == 1 }, time.Second, 5*time.Millisecond)

	got := b.framesOf(envelope.FrameMessage)[0].Data.(envelope.Envelope)
	require.Equal(t, "Halo", got.Text)
	require.Equal(t, "A", got.SenderID)

	// The sender sees its own message through the echo.
	require.Eventually(t, func() bool { return len(a.framesOf(envelope.FrameMessage)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_SendBeforeJoinIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	_, a := h.serve(t, "")

	a.sendJSON(t, envelope.FrameSend, map[string]any{"senderId": "A", "receiverId": "B", "text": "x", "ref": "r1"})
	require.Eventually(t, func() bool { return len(a.framesOf(envelope.FrameRejected)) == 1 }, time.Second, 5*time.Millisecond)
	rej := a.framesOf(envelope.FrameRejected)[0].Data.(*envelope.Rejection)
	require.Equal(t, envelope.ReasonNotJoined, rej.Reason)
	require.Equal(t, "r1", rej.Ref)
}

func TestSession_SenderMismatchIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	_, b := h.serve(t, "B")
	_, a := h.serve(t, "A")

	a.sendJSON(t, envelope.FrameSend, map[string]any{"senderId": "C", "receiverId": "B", "text": "spoof"})
	require.Eventually(t, func() bool { return len(a.framesOf(envelope.FrameRejected)) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, envelope.ReasonSenderMismatch, a.framesOf(envelope.FrameRejected)[0].Data.(*envelope.Rejection).Reason)
	require.Empty(t, b.framesOf(envelope.FrameMessage))
}

func TestSession_MissingSenderDefaultsToParticipant(t *testing.T) {
	h := newHarness(t, testConfig())
	_, b := h.serve(t, "B")
	_, a := h.serve(t, "A")

	a.sendJSON(t, envelope.FrameSend, map[string]any{"receiverId": "B", "text": "hi"})
	require.Eventually(t, func() bool { return len(b.framesOf(envelope.FrameMessage)) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "A", b.framesOf(envelope.FrameMessage)[0].Data.(envelope.Envelope).SenderID)
}

func TestSession_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.SendRate = 0.001
	cfg.SendBurst = 2
	h := newHarness(t, cfg, relay.WithEchoToSender(false))
	_, a := h.serve(t, "A")

	for i := 0; i < 3; i++ {
		a.sendJSON(t, envelope.FrameSend, map[string]any{"senderId": "A", "receiverId": "B", "text": "x"})
	}
	require.Eventually(t, func() bool { return len(a.framesOf(envelope.FrameRejected)) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, envelope.ReasonRateLimited, a.framesOf(envelope.FrameRejected)[0].Data.(*envelope.Rejection).Reason)
}

func TestSession_PingAndMalformedFrames(t *testing.T) {
	h := newHarness(t, testConfig())
	_, a := h.serve(t, "")

	a.in <- []byte("ping")
	a.in <- []byte(`{"type":"edit"}`)
	require.Eventually(t, func() bool {
		return len(a.framesOf(envelope.FramePong)) == 1 && len(a.framesOf(envelope.FrameRejected)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, envelope.ReasonMalformed, a.framesOf(envelope.FrameRejected)[0].Data.(*envelope.Rejection).Reason)
}

func TestSession_RejoinMovesBinding(t *testing.T) {
	h := newHarness(t, testConfig())
	s, a := h.serve(t, "A")
	a.sendJSON(t, envelope.FrameJoin, map[string]string{"participantId": "A2"})
	require.Eventually(t, func() bool { return s.Participant() == "A2" }, time.Second, 5*time.Millisecond)
	require.Empty(t, h.reg.ChannelsFor("A"))
	require.Len(t, h.reg.ChannelsFor("A2"), 1)
}

func TestSession_DisconnectUnbindsOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	s, a := h.serve(t, "A")
	require.Len(t, h.reg.ChannelsFor("A"), 1)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, h.reg.ChannelsFor("A"))
	require.Zero(t, h.mgr.Count())

	s.Close("again")
	require.Equal(t, "disconnected", s.CloseReason())
	require.False(t, s.Deliver(envelope.PongFrame(0)))
}

func TestSession_ClosingOneSessionKeepsOthers(t *testing.T) {
	h := newHarness(t, testConfig(), relay.WithEchoToSender(false))
	s1, _ := h.serve(t, "B")
	_, b2 := h.serve(t, "B")
	s1.Close("test")

	out, err := h.router.Submit(context.Background(), nil, envelope.Raw{SenderID: "A", ReceiverID: "B", Text: "still there"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Delivered)
	require.Eventually(t, func() bool { return len(b2.framesOf(envelope.FrameMessage)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_IdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	s, a := h.serve(t, "A")

	require.Eventually(t, a.isClosed, time.Second, 5*time.Millisecond)
	require.Equal(t, "idle timeout", s.CloseReason())
	require.Empty(t, h.reg.ChannelsFor("A"))
}

func TestSession_PongKeepsSessionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 80 * time.Millisecond
	cfg.PingInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	_, a := h.serve(t, "A")

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		a.pong()
		time.Sleep(10 * time.Millisecond)
	}
	require.False(t, a.isClosed())
	a.mu.Lock()
	pings := a.pings
	a.mu.Unlock()
	require.Positive(t, pings)
}

func TestSession_FullBufferDropsWithoutBlocking(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 1
	h := newHarness(t, cfg)
	tr := newPipeTransport()
	tr.block = make(chan struct{})
	s, err := h.mgr.Open(context.Background(), tr, "")
	require.NoError(t, err)

	delivered := 0
	for i := 0; i < 5; i++ {
		if s.Deliver(envelope.PongFrame(int64(i))) {
			delivered++
		}
	}
	require.Less(t, delivered, 5)
	close(tr.block)
}

func TestSession_WriteFailureCloses(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := newPipeTransport()
	tr.writeErr = errors.New("broken pipe")
	s, err := h.mgr.Open(context.Background(), tr, "A")
	require.NoError(t, err)
	require.Eventually(t, tr.isClosed, time.Second, 5*time.Millisecond)
	require.Equal(t, "write failed", s.CloseReason())
}

func TestManager_ShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, testConfig())
	_, a := h.serve(t, "A")
	_, b := h.serve(t, "B")

	h.mgr.Shutdown()
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
	require.Zero(t, h.mgr.Count())

	_, err := h.mgr.Open(context.Background(), newPipeTransport(), "C")
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_ContextCancelClosesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	tr := newPipeTransport()
	s, err := h.mgr.Open(ctx, tr, "A")
	require.NoError(t, err)
	cancel()
	require.Eventually(t, tr.isClosed, time.Second, 5*time.Millisecond)
	require.Equal(t, "context done", s.CloseReason())
}

func TestSession_JoinRacingCloseLeavesNothingBound(t *testing.T) {
	h := newHarness(t, testConfig())
	for i := 0; i < 500; i++ {
		s, err := h.mgr.Open(context.Background(), newPipeTransport(), "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.join("p1")
		}()
		go func() {
			defer wg.Done()
			s.Close("idle timeout")
		}()
		wg.Wait()

		_, bound := h.reg.ParticipantOf(s)
		require.False(t, bound, "closed session %d still bound", i)
	}
	require.Equal(t, registry.Stats{}, h.reg.Stats())
}

func TestSession_JoinAfterCloseIsRefused(t *testing.T) {
	h := newHarness(t, testConfig())
	s, tr := h.serve(t, "")
	s.Close("test")
	require.ErrorIs(t, s.join("p1"), errSessionClosed)
	require.Empty(t, h.reg.ChannelsFor("p1"))
	require.True(t, tr.isClosed())
}

func TestSession_JoinWithSeparatorInIDIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.mgr.Open(context.Background(), newPipeTransport(), "a|b")
	require.Error(t, err)

	s, a := h.serve(t, "")
	a.sendJSON(t, envelope.FrameJoin, map[string]string{"participantId": "a|b"})
	require.Eventually(t, func() bool { return len(a.framesOf(envelope.FrameRejected)) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, envelope.ReasonMalformed, a.framesOf(envelope.FrameRejected)[0].Data.(*envelope.Rejection).Reason)
	require.Empty(t, s.Participant())
	require.Empty(t, h.reg.ChannelsFor("a|b"))
}
