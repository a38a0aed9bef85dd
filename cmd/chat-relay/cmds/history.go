package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/history"
)

func newHistoryCommand(_ *rootOptions) *cobra.Command {
	var (
		serverURL string
		token     string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "history <a> <b>",
		Short: "Print the stored conversation between two participants",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := history.NewHTTPClient(serverURL, token, nil)
			if err != nil {
				return err
			}
			msgs, err := client.Fetch(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return errors.Wrap(enc.Encode(msgs), "encode history")
			}
			r := newRenderer(args[0], out)
			for _, env := range msgs {
				if _, err := fmt.Fprintln(out, r.message(env)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&serverURL, "server", "http://localhost:8080", "relay base URL")
	f.StringVar(&token, "token", "", "bearer token")
	f.BoolVar(&asJSON, "json", false, "print the raw envelopes as JSON")
	return cmd
}
