// Package cmds holds the cobra commands of the chat-relay binary.
package cmds

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chat-relay/pkg/config"
	"github.com/go-go-golems/chat-relay/pkg/logging"
)

// rootOptions is shared by every subcommand. Settings is filled in PersistentPreRunE.
type rootOptions struct {
	v          *viper.Viper
	configFile string
	settings   config.Settings
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	rootCmd := &cobra.Command{
		Use:           "chat-relay",
		Short:         "chat-relay relays messages between the two participants of a conversation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// settings are loaded here so that bound flags are parsed already
			s, err := config.Load(opts.v, opts.configFile)
			if err != nil {
				return err
			}
			opts.settings = s
			if _, err := logging.Init(s.Log, os.Stderr); err != nil {
				return errors.Wrap(err, "init logging")
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "log format (console or json)")
	cobra.CheckErr(opts.v.BindPFlag("log.level", pf.Lookup("log-level")))
	cobra.CheckErr(opts.v.BindPFlag("log.format", pf.Lookup("log-format")))

	rootCmd.AddCommand(
		newServeCommand(opts),
		newClientCommand(opts),
		newHistoryCommand(opts),
		newBlockCommand(opts, true),
		newBlockCommand(opts, false),
		newConfigCommand(opts),
	)
	return rootCmd
}
