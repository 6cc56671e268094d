package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mithrel/conduit/internal/client"
)

func newDemoCmd() *cobra.Command {
	var ef endpointFlags
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the scripted client sequence against a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "[Client] Starting (PID: %d)\n", os.Getpid())
			cl, err := ef.dial(cmd)
			if err != nil {
				return fmt.Errorf("create connection from endpoint: %w", err)
			}
			defer cl.Close()
			_, _ = fmt.Fprintf(out, "[Client] Connection established\n\n")

			if err := runDemo(cmd.Context(), cl, out, ef.timeout); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "[Client] Demo complete.")
			return nil
		},
	}
	ef.register(cmd)
	return cmd
}

// runDemo plays the fixed request sequence. Error replies are printed and the
// sequence continues; a transport failure stops it.
func runDemo(ctx context.Context, cl *client.Client, w io.Writer, timeout time.Duration) error {
	steps := []func(context.Context) error{
		func(ctx context.Context) error { return demoPing(ctx, cl, w) },
		func(ctx context.Context) error { return demoEcho(ctx, cl, w, "Hello, XPC!") },
		func(ctx context.Context) error { return demoAdd(ctx, cl, w, 42, 23) },
		func(ctx context.Context) error { return demoInfo(ctx, cl, w) },
		func(ctx context.Context) error { return demoEcho(ctx, cl, w, "Testing inter-process communication") },
		func(ctx context.Context) error { return demoAdd(ctx, cl, w, 100, 200) },
		func(ctx context.Context) error { return demoPing(ctx, cl, w) },
	}
	for _, step := range steps {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := step(sctx)
		cancel()
		var re *client.RemoteError
		switch {
		case errors.As(err, &re):
			_, _ = fmt.Fprintf(w, "[Client] Error: %s\n\n", re.Message)
		case err != nil:
			return err
		}
	}
	return nil
}

func demoPing(ctx context.Context, cl *client.Client, w io.Writer) error {
	_, _ = fmt.Fprintln(w, "[Client] Sending ping...")
	resp, err := cl.Ping(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "[Client] Received: %s\n\n", resp)
	return nil
}

func demoEcho(ctx context.Context, cl *client.Client, w io.Writer, text string) error {
	_, _ = fmt.Fprintf(w, "[Client] Sending echo with text: '%s'\n", text)
	resp, err := cl.Echo(ctx, text)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "[Client] Echo response: %s\n\n", resp)
	return nil
}

func demoAdd(ctx context.Context, cl *client.Client, w io.Writer, a, b int64) error {
	_, _ = fmt.Fprintf(w, "[Client] Sending add request: %d + %d\n", a, b)
	sum, err := cl.Add(ctx, a, b)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "[Client] Result: %d\n\n", sum)
	return nil
}

func demoInfo(ctx context.Context, cl *client.Client, w io.Writer) error {
	_, _ = fmt.Fprintln(w, "[Client] Requesting service info...")
	info, err := cl.Info(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "[Client] Service PID: %d\n[Client] Service PPID: %d\n[Client] Service Status: %s\n\n",
		info.PID, info.PPID, info.Status)
	return nil
}
