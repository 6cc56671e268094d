package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mithrel/conduit/internal/client"
	"github.com/mithrel/conduit/internal/config"
	"github.com/mithrel/conduit/internal/daemon"
	"github.com/mithrel/conduit/internal/ipc"
	"github.com/mithrel/conduit/internal/service"
	"github.com/mithrel/conduit/internal/util"
	"github.com/mithrel/conduit/pkg/api"
)

type endpointFlags struct {
	token   string
	timeout time.Duration
}

func (f *endpointFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.token, "endpoint", "", "endpoint token (overrides --endpoint-file)")
	cmd.Flags().String("endpoint-file", "", "file holding the endpoint token")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "per-request timeout")
}

// resolve returns the endpoint named by --endpoint, or the one stored in the
// configured endpoint file.
func (f *endpointFlags) resolve(cmd *cobra.Command) (ipc.Endpoint, error) {
	if strings.TrimSpace(f.token) != "" {
		return ipc.ParseEndpoint(f.token)
	}
	path := config.ResolveEndpointFile(getApp(cmd).Cfg)
	ep, err := daemon.ReadEndpoint(path)
	if errors.Is(err, os.ErrNotExist) {
		return ipc.Endpoint{}, fmt.Errorf("no endpoint at %s; is `conduit serve` running?", path)
	}
	return ep, err
}

func (f *endpointFlags) dial(cmd *cobra.Command) (*client.Client, error) {
	ep, err := f.resolve(cmd)
	if err != nil {
		return nil, err
	}
	app := getApp(cmd)
	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	return client.Dial(ctx, app.Broker, ep, app.Log)
}

func newCallCmd() *cobra.Command {
	var ef endpointFlags
	cmd := &cobra.Command{
		Use:   "call <type> [key=value ...]",
		Short: "Send one request and print the reply as JSON",
		Long: "Values that parse as integers are sent as int64, key=@path sends the " +
			"file contents as a blob and key:=value always sends a string.",
		Args: cobra.MinimumNArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) > 0 {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			return completeTypes(toComplete), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			cl, err := ef.dial(cmd)
			if err != nil {
				return err
			}
			defer cl.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), ef.timeout)
			defer cancel()
			reply, callErr := cl.Call(ctx, args[0], fields)
			if reply != nil {
				if err := printJSON(cmd.OutOrStdout(), reply.ToMap()); err != nil {
					return err
				}
			}
			return callErr
		},
	}
	ef.register(cmd)
	return cmd
}

// completeTypes fuzzy-matches the built-in message types.
func completeTypes(toComplete string) []string {
	return util.ScoreCompletions(toComplete, service.New(nil).Types(), 20)
}

// parseFields turns key=value arguments into message fields.
func parseFields(args []string) (*api.Builder, error) {
	b := api.NewBuilder()
	for _, arg := range args {
		if k, v, ok := strings.Cut(arg, ":="); ok && !strings.Contains(k, "=") {
			if k == "" {
				return nil, fmt.Errorf("empty key in %q", arg)
			}
			b.SetString(k, v)
			continue
		}
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch {
		case strings.HasPrefix(v, "@"):
			data, err := os.ReadFile(v[1:])
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			b.SetBlob(k, data)
		default:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				b.SetInt64(k, n)
			} else {
				b.SetString(k, v)
			}
		}
	}
	return b, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
