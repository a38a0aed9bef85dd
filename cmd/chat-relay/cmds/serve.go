package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, opts.settings)
			if err != nil {
				return err
			}
			log.Info().
				Str("addr", opts.settings.Server.Addr).
				Bool("redis", opts.settings.Redis.Enabled).
				Str("sqlite", opts.settings.History.SQLitePath).
				Msg("chat relay configured")
			return srv.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "listen address (default :8080)")
	f.String("sqlite-path", "", "SQLite history database; empty keeps history in memory")
	f.Bool("redis", false, "carry accepted envelopes over Redis Streams")
	f.String("redis-addr", "", "Redis address")
	f.String("admin-token", "", "bearer token required on /admin routes")
	cobra.CheckErr(opts.v.BindPFlag("server.addr", f.Lookup("addr")))
	cobra.CheckErr(opts.v.BindPFlag("history.sqlite-path", f.Lookup("sqlite-path")))
	cobra.CheckErr(opts.v.BindPFlag("redis.enabled", f.Lookup("redis")))
	cobra.CheckErr(opts.v.BindPFlag("redis.addr", f.Lookup("redis-addr")))
	cobra.CheckErr(opts.v.BindPFlag("server.admin-token", f.Lookup("admin-token")))
	return cmd
}
