// Package cli defines the keymux command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keymux/keymux/internal/version"
)

// NewRootCommand builds the top-level command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "keymux",
		Short:         "Multi-provider LLM reverse proxy",
		Long:          "keymux pools upstream API keys across OpenAI, Anthropic, Google PaLM, and AWS Bedrock,\nqueueing client requests until a key is free and normalizing every response to the OpenAI schema.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keymux %s (built %s)\n", version.Version, version.BuildTime)
		},
	}
}
