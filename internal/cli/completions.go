package cli

import (
	"github.com/spf13/cobra"
)

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "completion",
		Short:       "Generate shell completion scripts",
		Annotations: map[string]string{skipApp: "true"},
	}
	gen := &cobra.Command{
		Use:         "generate",
		Short:       "Write a completion script to stdout",
		Annotations: map[string]string{skipApp: "true"},
	}
	gen.AddCommand(&cobra.Command{
		Use:         "bash",
		Short:       "Generate Bash completions",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Root().GenBashCompletionV2(cmd.OutOrStdout(), true)
		},
	})
	gen.AddCommand(&cobra.Command{
		Use:         "zsh",
		Short:       "Generate Zsh completions",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
		},
	})
	gen.AddCommand(&cobra.Command{
		Use:         "fish",
		Short:       "Generate Fish completions",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
		},
	})
	cmd.AddCommand(gen)
	return cmd
}
