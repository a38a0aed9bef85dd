// Package session owns the lifecycle of live client connections: binding them to a
// participant, feeding their inbound frames to the router and draining their outbound frames.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/registry"
	"github.com/go-go-golems/chat-relay/pkg/relay"
)

var ErrManagerClosed = errors.New("session: manager is shut down")

// Submitter is the part of the relay router a session needs.
type Submitter interface {
	Submit(ctx context.Context, origin registry.Channel, raw envelope.Raw) (relay.Outcome, error)
}

type Config struct {
	// SendBuffer is the number of outbound frames a session queues before dropping.
	SendBuffer int
	// IdleTimeout closes a session that sent no frame and answered no ping for this long.
	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	// SendRate is the sustained number of send frames per second; <= 0 disables limiting.
	SendRate  float64
	SendBurst int
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		IdleTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendRate:     5,
		SendBurst:    10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBurst <= 0 {
		c.SendBurst = d.SendBurst
	}
	return c
}

type Manager struct {
	reg    *registry.Registry
	router Submitter
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func NewManager(reg *registry.Registry, router Submitter, cfg Config) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("session manager: registry is nil")
	}
	if router == nil {
		return nil, errors.New("session manager: router is nil")
	}
	return &Manager{
		reg:      reg,
		router:   router,
		cfg:      cfg.withDefaults(),
		sessions: map[string]*Session{},
	}, nil
}

// Open starts a session over transport. A non-empty participantID is an identity asserted at
// connect time and binds the session immediately. The caller then runs Session.Serve.
func (m *Manager) Open(ctx context.Context, transport Transport, participantID string) (*Session, error) {
	if transport == nil {
		return nil, errors.New("session manager: transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s := newSession(uuid.NewString(), m, transport)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go s.writeLoop()
	stop := context.AfterFunc(ctx, func() { s.Close("context done") })
	go func() {
		<-s.done
		stop()
	}()

	s.log.Info().Msg("session opened")
	if participantID = strings.TrimSpace(participantID); participantID != "" {
		if err := s.join(participantID); err != nil {
			s.Close("bind failed")
			return nil, err
		}
	}
	return s, nil
}

// Serve opens a session and runs its read loop until it closes.
func (m *Manager) Serve(ctx context.Context, transport Transport, participantID string) error {
	s, err := m.Open(ctx, transport, participantID)
	if err != nil {
		return err
	}
	s.Serve(ctx)
	return nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Shutdown closes every session and waits for their writers to stop. Later Opens fail.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close("shutdown")
	}
	m.wg.Wait()
	log.Info().Str("component", "session").Int("closed", len(sessions)).Msg("session manager shut down")
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}
