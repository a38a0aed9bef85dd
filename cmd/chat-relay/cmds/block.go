package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

type blockStatus struct {
	Conversation string `json:"conversation"`
	Blocked      bool   `json:"blocked"`
}

func newBlockCommand(opts *rootOptions, block bool) *cobra.Command {
	var serverURL, token string
	use, short, method := "block", "Block the conversation between two participants", http.MethodPut
	if !block {
		use, short, method = "unblock", "Lift a conversation block", http.MethodDelete
	}
	cmd := &cobra.Command{
		Use:   use + " <a> <b>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = opts.settings.Server.AdminToken
			}
			st, err := updateBlock(cmd.Context(), serverURL, token, method, args[0], args[1])
			if err != nil {
				return err
			}
			state := "open"
			if st.Blocked {
				state = "blocked"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", st.Conversation, state)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&serverURL, "server", "http://localhost:8080", "relay base URL")
	f.StringVar(&token, "token", "", "admin bearer token (defaults to server.admin-token)")
	return cmd
}

func updateBlock(ctx context.Context, serverURL, token, method, a, b string) (blockStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := envelope.KeyFor(a, b); err != nil {
		return blockStatus{}, err
	}
	u := fmt.Sprintf("%s/admin/blocks/%s/%s",
		strings.TrimRight(strings.TrimSpace(serverURL), "/"), url.PathEscape(a), url.PathEscape(b))
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return blockStatus{}, errors.Wrap(err, "build request")
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return blockStatus{}, errors.Wrapf(err, "%s %s", method, u)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return blockStatus{}, errors.Errorf("%s %s: %s: %s", method, u, resp.Status, strings.TrimSpace(string(body)))
	}
	var st blockStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return blockStatus{}, errors.Wrap(err, "decode block status")
	}
	return st, nil
}
