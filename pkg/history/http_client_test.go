package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

func TestHTTPClient_FetchesWithBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/history/p1/d%201", r.URL.EscapedPath())
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]envelope.Envelope{msg("1", 1), msg("2", 2)})
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL+"/", "secret", srv.Client())
	require.NoError(t, err)
	got, err := c.Fetch(context.Background(), "p1", "d 1")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids(got))
}

func TestHTTPClient_NonSuccessStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, "", nil)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "p1", "d1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
	require.Contains(t, err.Error(), "token expired")
}

func TestHTTPClient_RejectsInvalidPair(t *testing.T) {
	c, err := NewHTTPClient("http://127.0.0.1:1", "", nil)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "p1", "p1")
	require.Error(t, err)

	_, err = NewHTTPClient(" ", "", nil)
	require.Error(t, err)
}
