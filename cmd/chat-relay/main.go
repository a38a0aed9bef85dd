package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/cmd/chat-relay/cmds"
)

func main() {
	rootCmd := cmds.NewRootCommand()
	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
