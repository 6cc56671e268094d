package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mithrel/conduit/internal/daemon"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference service on a fresh anonymous endpoint",
		Long: "Creates a listener, writes its endpoint token to endpoint_file and " +
			"answers ping, echo, add and info requests until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Starting conduit service on %s...\n", app.Cfg.GetString("network"))
			return daemon.Run(cmd.Context(), app)
		},
	}
	cmd.Flags().String("network", "", "network to listen on (unix|quic|memory)")
	cmd.Flags().String("endpoint-file", "", "where to write the endpoint token")
	cmd.Flags().String("http-addr", "", "serve /healthz and /stats on this address")
	_ = cmd.RegisterFlagCompletionFunc("network", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"unix", "quic", "memory"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}
