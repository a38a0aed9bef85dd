// Package server wires the relay components into an HTTP service and drives its lifecycle.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chat-relay/pkg/config"
	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/history"
	"github.com/go-go-golems/chat-relay/pkg/logging"
	"github.com/go-go-golems/chat-relay/pkg/redisstream"
	"github.com/go-go-golems/chat-relay/pkg/registry"
	"github.com/go-go-golems/chat-relay/pkg/relay"
	"github.com/go-go-golems/chat-relay/pkg/session"
)

// frameOverhead is added to the derived websocket read limit for the non-image fields.
const frameOverhead = 64 << 10

// oversizeFactor sets how far past the image bound a frame may go and still get a
// payload_too_large rejection instead of a closed connection.
const oversizeFactor = 4

func frameReadLimit(r config.RelaySettings) int64 {
	if r.MaxFrameBytes > 0 {
		return int64(r.MaxFrameBytes)
	}
	bound := int64(r.MaxImageBytes)
	if bound <= 0 {
		bound = envelope.DefaultMaxImageBytes
	}
	return oversizeFactor*bound + frameOverhead
}

// Server owns the relay components and the http.Server in front of them.
type Server struct {
	settings config.Settings
	logger   zerolog.Logger

	registry  *registry.Registry
	router    *relay.Router
	sessions  *session.Manager
	store     history.Store
	policy    relay.Policy
	transport *redisstream.Transport
	recorder  *history.Recorder
	metrics   *prometheus.Registry

	mux       *http.ServeMux
	httpSrv   *http.Server
	closeOnce sync.Once
}

// New builds every component from settings. Nothing listens until Run or Serve.
func New(ctx context.Context, s config.Settings) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	srv := &Server{
		settings: s,
		logger:   log.With().Str("component", "server").Logger(),
		registry: registry.New(),
		metrics:  prometheus.NewRegistry(),
	}
	ok := false
	defer func() {
		if !ok {
			srv.closeBackends()
		}
	}()

	srv.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tr, err := redisstream.BuildTransport(s.Redis, logging.NewWatermill(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "build transport")
	}
	srv.transport = tr
	if tr.Client != nil {
		if err := redisstream.EnsureGroupAtTail(ctx, tr.Client, s.Relay.AcceptedTopic, s.Redis.Group); err != nil {
			return nil, errors.Wrap(err, "ensure redis consumer group")
		}
	}

	if err := srv.buildStore(); err != nil {
		return nil, err
	}
	if err := srv.buildPolicy(ctx); err != nil {
		return nil, err
	}

	m, err := relay.NewMetrics(srv.metrics)
	if err != nil {
		return nil, errors.Wrap(err, "register relay metrics")
	}
	srv.router, err = relay.NewRouter(srv.registry,
		relay.WithPolicy(srv.policy),
		relay.WithValidation(envelope.Options{MaxImageBytes: s.Relay.MaxImageBytes}),
		relay.WithEchoToSender(s.Relay.EchoToSender),
		relay.WithPublisher(tr.Publisher, s.Relay.AcceptedTopic),
		relay.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	srv.sessions, err = session.NewManager(srv.registry, srv.router, s.SessionConfig())
	if err != nil {
		return nil, err
	}
	srv.recorder, err = history.NewRecorder(tr.Subscriber, srv.store, s.Relay.AcceptedTopic)
	if err != nil {
		return nil, err
	}

	srv.mux = srv.buildMux()
	srv.httpSrv = &http.Server{
		Addr:              s.Server.Addr,
		Handler:           srv.mux,
		ReadHeaderTimeout: s.Server.ReadHeaderTimeout,
	}
	ok = true
	return srv, nil
}

func (s *Server) buildStore() error {
	hs := s.settings.History
	if hs.SQLitePath == "" {
		ms := history.NewMemoryStore(hs.MaxPerConversation)
		ms.SetFetchLimit(hs.FetchLimit)
		s.store = ms
		s.logger.Info().Msg("history kept in memory")
		return nil
	}
	dsn, err := history.SQLiteDSNForFile(hs.SQLitePath)
	if err != nil {
		return err
	}
	ss, err := history.NewSQLiteStore(dsn)
	if err != nil {
		return errors.Wrap(err, "open sqlite history store")
	}
	ss.SetFetchLimit(hs.FetchLimit)
	s.store = ss
	s.logger.Info().Str("path", hs.SQLitePath).Msg("history stored in sqlite")
	return nil
}

// buildPolicy prefers the shared Redis block list, then the SQLite table, then memory.
func (s *Server) buildPolicy(ctx context.Context) error {
	var policy relay.MutablePolicy
	switch {
	case s.transport.Client != nil:
		bl, err := redisstream.NewBlockList(s.transport.Client, s.settings.Redis.BlocklistKey)
		if err != nil {
			return err
		}
		policy = bl
	default:
		if ss, ok := s.store.(*history.SQLiteStore); ok {
			policy = ss
		} else {
			policy = relay.NewStaticPolicy()
		}
	}
	keys, err := s.settings.BlockedKeys()
	if err != nil {
		return err
	}
	if err := relay.SeedPolicy(ctx, policy, keys); err != nil {
		return errors.Wrap(err, "seed block list")
	}
	s.policy = policy
	return nil
}

func (s *Server) buildMux() *http.ServeMux {
	readLimit := frameReadLimit(s.settings.Relay)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", NewWSHTTPHandler(s.sessions, upgrader, readLimit, s.logger))
	mux.Handle("GET /chat/history/{a}/{b}", NewHistoryHTTPHandler(s.store, s.logger))
	mux.Handle("/admin/blocks/{a}/{b}", NewBlocksHTTPHandler(s.policy, s.settings.Server.AdminToken, s.logger))
	mux.Handle("GET /healthz", NewHealthHTTPHandler(s.registry, s.sessions, s.router, s.logger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) Router() *relay.Router { return s.router }

func (s *Server) Sessions() *session.Manager { return s.sessions }

func (s *Server) Store() history.Store { return s.store }

func (s *Server) Policy() relay.Policy { return s.policy }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		s.closeBackends()
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the history recorder. When ctx ends, it
// stops accepting connections, closes every session, drains the router and releases the
// stores.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg, egCtx := errgroup.WithContext(ctx)
	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRecorder()

	accepted, err := s.recorder.Subscribe(recCtx)
	if err != nil {
		_ = ln.Close()
		s.closeBackends()
		return err
	}
	eg.Go(func() error {
		s.recorder.Consume(recCtx, accepted)
		return nil
	})

	eg.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("starting chat relay")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		s.logger.Info().Msg("shutting down gracefully...")
		timeout := s.settings.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		var shutdownErr error
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			shutdownErr = err
		}
		s.sessions.Shutdown()
		s.router.Close()
		stopRecorder()
		s.closeBackends()
		s.logger.Info().Msg("server shutdown complete")
		return shutdownErr
	})

	return eg.Wait()
}

func (s *Server) closeBackends() {
	s.closeOnce.Do(func() {
		if s.transport != nil {
			if err := s.transport.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("transport close error")
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("history store close error")
			}
		}
	})
}
