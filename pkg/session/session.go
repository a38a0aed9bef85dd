package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/registry"
	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// Session is one live channel. It is a registry.Channel: Deliver never blocks and drops the
// frame when the send buffer is full or the session has closed.
type Session struct {
	id        string
	mgr       *Manager
	transport Transport
	limiter   *rate.Limiter
	log       zerolog.Logger

	send      chan envelope.Frame
	done      chan struct{}
	closeOnce sync.Once

	lastActivity atomic.Int64

	mu          sync.Mutex
	participant string
	closeReason string
}

var _ registry.Channel = &Session{}

var errSessionClosed = errors.New("session: closed")

func newSession(id string, m *Manager, transport Transport) *Session {
	limit := rate.Inf
	if m.cfg.SendRate > 0 {
		limit = rate.Limit(m.cfg.SendRate)
	}
	s := &Session{
		id:        id,
		mgr:       m,
		transport: transport,
		limiter:   rate.NewLimiter(limit, m.cfg.SendBurst),
		send:      make(chan envelope.Frame, m.cfg.SendBuffer),
		done:      make(chan struct{}),
		log: log.With().
			Str("component", "session").
			Str("session_id", id).
			Str("remote", transport.RemoteAddr()).
			Logger(),
	}
	s.touch()
	transport.OnPong(s.touch)
	return s
}

func (s *Session) ID() string { return s.id }

// Participant returns the bound identity, or "" before a join.
func (s *Session) Participant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participant
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) Deliver(f envelope.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	default:
		s.log.Warn().Str("frame", string(f.Type)).Msg("send buffer full, dropping frame")
		return false
	}
}

// Close tears the session down once: it unbinds from the registry, closes the transport and
// stops the writer. Later calls are no-ops.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		// done closes under mu so a concurrent join either binds first or sees it
		s.mu.Lock()
		s.closeReason = reason
		close(s.done)
		s.mu.Unlock()
		if owner, ok := s.mgr.reg.Unbind(s); ok {
			s.log.Debug().Str("participant", owner).Msg("session unbound")
		}
		if err := s.transport.Close(); err != nil {
			s.log.Debug().Err(err).Msg("transport close")
		}
		s.mgr.forget(s)
		s.log.Info().Str("reason", reason).Msg("session closed")
	})
}

// Serve runs the read loop until the transport fails or the session is closed.
func (s *Session) Serve(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close("disconnected")
	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Debug().Err(err).Msg("read loop end")
			}
			return
		}
		s.touch()
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	in, err := envelope.DecodeInbound(data)
	if err != nil {
		s.rejectErr(err, "")
		return
	}
	switch in.Type {
	case envelope.FramePing:
		s.Deliver(envelope.PongFrame(time.Now().UnixMilli()))
	case envelope.FrameJoin:
		id, err := in.Join()
		if err == nil && id == "" {
			err = envelope.Reject(envelope.ReasonMalformed, "participant id is empty")
		}
		if err != nil {
			s.rejectErr(err, "")
			return
		}
		if err := s.join(id); err != nil {
			if errors.Is(err, errSessionClosed) {
				return
			}
			if _, ok := envelope.AsRejection(err); ok {
				s.rejectErr(err, "")
				return
			}
			s.log.Warn().Err(err).Msg("join failed")
			s.rejectErr(envelope.Reject(envelope.ReasonMalformed, "join failed"), "")
		}
	case envelope.FrameSend:
		raw, err := in.Send()
		if err != nil {
			s.rejectErr(err, "")
			return
		}
		s.submit(ctx, raw)
	}
}

func (s *Session) join(participantID string) error {
	if err := envelope.CheckParticipantID(participantID); err != nil {
		return err
	}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return errSessionClosed
	default:
	}
	if err := s.mgr.reg.Bind(participantID, s); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.participant
	s.participant = participantID
	s.mu.Unlock()
	if prev != participantID {
		s.log.Info().Str("participant", participantID).Str("previous", prev).Msg("session joined")
	}
	s.Deliver(envelope.JoinedFrame(participantID, s.id))
	return nil
}

func (s *Session) submit(ctx context.Context, raw envelope.Raw) {
	participant := s.Participant()
	if participant == "" {
		s.reject(envelope.ReasonNotJoined, "", raw.Ref)
		return
	}
	if !s.limiter.Allow() {
		s.reject(envelope.ReasonRateLimited, "", raw.Ref)
		return
	}
	sender := strings.TrimSpace(raw.SenderID)
	if sender == "" {
		raw.SenderID = participant
	} else if sender != participant {
		s.reject(envelope.ReasonSenderMismatch, "senderId "+sender+" is not "+participant, raw.Ref)
		return
	}

	if _, err := s.mgr.router.Submit(ctx, s, raw); err != nil {
		if errors.Is(err, relay.ErrClosed) {
			s.Close("relay closed")
			return
		}
		s.log.Debug().Err(err).Msg("submit abandoned")
	}
}

func (s *Session) reject(reason envelope.Reason, detail, ref string) {
	s.Deliver(envelope.RejectedFrame(envelope.Reject(reason, detail).WithRef(ref)))
}

func (s *Session) rejectErr(err error, ref string) {
	rej, ok := envelope.AsRejection(err)
	if !ok {
		rej = envelope.Reject(envelope.ReasonMalformed, err.Error())
	}
	s.Deliver(envelope.RejectedFrame(rej.WithRef(ref)))
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) writeLoop() {
	defer s.mgr.wg.Done()
	cfg := s.mgr.cfg

	var pingC <-chan time.Time
	if cfg.PingInterval > 0 {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}
	var idleC <-chan time.Time
	var idleTimer *time.Timer
	if cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(cfg.IdleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			b, err := f.Marshal()
			if err != nil {
				s.log.Error().Err(err).Msg("dropping unmarshalable frame")
				continue
			}
			if err := s.transport.WriteMessage(b, time.Now().Add(cfg.WriteTimeout)); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				s.Close("write failed")
				return
			}
		case <-pingC:
			if err := s.transport.WritePing(time.Now().Add(cfg.WriteTimeout)); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				s.Close("ping failed")
				return
			}
		case now := <-idleC:
			idle := s.idleFor(now)
			if idle >= cfg.IdleTimeout {
				s.Close("idle timeout")
				return
			}
			idleTimer.Reset(cfg.IdleTimeout - idle)
		}
	}
}
