package history

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// HTTPClient fetches snapshots from GET {base}/chat/history/{a}/{b}.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

var _ Fetcher = &HTTPClient{}

func NewHTTPClient(baseURL, token string, hc *http.Client) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("history client: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "history client: invalid base url")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, token: strings.TrimSpace(token), hc: hc}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, a, b string) ([]envelope.Envelope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := envelope.KeyFor(a, b); err != nil {
		return nil, err
	}
	u := c.baseURL + "/chat/history/" + url.PathEscape(strings.TrimSpace(a)) + "/" + url.PathEscape(strings.TrimSpace(b))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "history client: build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "history client: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("history client: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out []envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "history client: decode response")
	}
	return out, nil
}
