package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/history"
	"github.com/go-go-golems/chat-relay/pkg/registry"
	"github.com/go-go-golems/chat-relay/pkg/relay"
	"github.com/go-go-golems/chat-relay/pkg/session"
)

// ParticipantHeader asserts the connecting participant at upgrade time. The userId query
// parameter is accepted as a fallback for clients that cannot set headers.
const ParticipantHeader = "X-Participant-Id"

func participantFromRequest(req *http.Request) string {
	if id := strings.TrimSpace(req.Header.Get(ParticipantHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(req.URL.Query().Get("userId"))
}

// NewWSHTTPHandler upgrades the request and runs a session until it closes.
func NewWSHTTPHandler(mgr *session.Manager, upgrader websocket.Upgrader, readLimit int64, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if mgr == nil {
			http.Error(w, "session manager not initialized", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Debug().Err(err).Str("remote", req.RemoteAddr).Msg("ws upgrade failed")
			return
		}
		transport, err := session.NewWebSocketTransport(conn, readLimit)
		if err != nil {
			_ = conn.Close()
			return
		}
		if err := mgr.Serve(req.Context(), transport, participantFromRequest(req)); err != nil {
			logger.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("ws session not started")
			_ = transport.Close()
		}
	}
}

// NewHistoryHTTPHandler serves GET /chat/history/{a}/{b} as a JSON array, oldest first.
func NewHistoryHTTPHandler(f history.Fetcher, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if f == nil {
			http.Error(w, "history not enabled", http.StatusNotFound)
			return
		}
		a, b := req.PathValue("a"), req.PathValue("b")
		if _, err := envelope.KeyFor(a, b); err != nil {
			http.Error(w, "invalid participant pair", http.StatusBadRequest)
			return
		}
		msgs, err := f.Fetch(req.Context(), a, b)
		if err != nil {
			logger.Error().Err(err).Str("a", a).Str("b", b).Msg("history fetch failed")
			http.Error(w, "history fetch failed", http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []envelope.Envelope{}
		}
		writeJSON(w, http.StatusOK, msgs, logger)
	}
}

type blockStatus struct {
	Conversation string `json:"conversation"`
	Blocked      bool   `json:"blocked"`
}

// NewBlocksHTTPHandler serves GET, PUT and DELETE on /admin/blocks/{a}/{b}. Mutations need a
// relay.MutablePolicy; when token is set every request must carry it as a bearer token.
func NewBlocksHTTPHandler(policy relay.Policy, token string, logger zerolog.Logger) http.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(w http.ResponseWriter, req *http.Request) {
		if token != "" && !bearerMatches(req, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if policy == nil {
			http.Error(w, "policy not configured", http.StatusNotFound)
			return
		}
		key, err := envelope.KeyFor(req.PathValue("a"), req.PathValue("b"))
		if err != nil {
			http.Error(w, "invalid participant pair", http.StatusBadRequest)
			return
		}
		ctx := req.Context()
		lg := logger.With().Str("conversation", key.String()).Logger()

		switch req.Method {
		case http.MethodGet:
		case http.MethodPut, http.MethodDelete:
			mutable, ok := policy.(relay.MutablePolicy)
			if !ok {
				http.Error(w, "policy is read-only", http.StatusNotImplemented)
				return
			}
			if req.Method == http.MethodPut {
				err = mutable.Block(ctx, key)
			} else {
				err = mutable.Unblock(ctx, key)
			}
			if err != nil {
				lg.Error().Err(err).Str("method", req.Method).Msg("block update failed")
				http.Error(w, "block update failed", http.StatusInternalServerError)
				return
			}
			lg.Info().Str("method", req.Method).Msg("block list updated")
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		blocked, err := policy.IsBlocked(ctx, key)
		if err != nil {
			lg.Error().Err(err).Msg("block lookup failed")
			http.Error(w, "block lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, blockStatus{Conversation: key.String(), Blocked: blocked}, logger)
	}
}

type healthStatus struct {
	Status       string `json:"status"`
	Participants int    `json:"participants"`
	Channels     int    `json:"channels"`
	Sessions     int    `json:"sessions"`
	ActiveLanes  int    `json:"activeLanes"`
}

func NewHealthHTTPHandler(reg *registry.Registry, mgr *session.Manager, router *relay.Router, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := healthStatus{Status: "ok"}
		if reg != nil {
			stats := reg.Stats()
			st.Participants, st.Channels = stats.Participants, stats.Channels
		}
		if mgr != nil {
			st.Sessions = mgr.Count()
		}
		if router != nil {
			st.ActiveLanes = router.ActiveLanes()
		}
		writeJSON(w, http.StatusOK, st, logger)
	}
}

func bearerMatches(req *http.Request, token string) bool {
	got, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response write failed")
	}
}
