// Package cli implements wsyncctl, the command line client of the daemon.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/wsync/internal/api"
	"github.com/matheus3301/wsync/internal/session"
	"github.com/spf13/cobra"
)

var version = "dev"

type options struct {
	root    string
	account string
	json    bool
	timeout time.Duration
}

func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "wsyncctl",
		Short:         "Control a running wsyncd",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&opts.root, "root", "", "state directory (default ~/.wsync)")
	root.PersistentFlags().StringVar(&opts.account, "account", "", "account id or name (defaults to the active account)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", time.Minute, "request timeout")

	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newLoginCmd(opts))
	root.AddCommand(newSelectCmd(opts))
	root.AddCommand(newLogoutCmd(opts))
	root.AddCommand(newDeleteCmd(opts))
	root.AddCommand(newReleaseCmd(opts))
	root.AddCommand(newSendCmd(opts))
	root.AddCommand(newSendAssetCmd(opts))
	root.AddCommand(newResendCmd(opts))
	root.AddCommand(newTypingCmd(opts))
	root.AddCommand(newPushCmd(opts))
	root.AddCommand(newPushTokenCmd(opts))
	root.AddCommand(newDeviceCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	return root
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (o *options) socketPath() string {
	if o.root != "" {
		return session.Layout{Root: o.root}.SocketPath()
	}
	return session.DefaultLayout().SocketPath()
}

// call runs one unary method against the daemon. The account flag is added
// unless the request already names one.
func (o *options) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	c, err := api.Dial(o.socketPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	if req == nil {
		req = map[string]any{}
	}
	if _, ok := req["account"]; !ok && o.account != "" {
		req["account"] = o.account
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	out, err := c.Call(ctx, method, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

// run is the RunE body shared by commands that print the reply as is.
func (o *options) run(cmd *cobra.Command, method string, req map[string]any, human func(map[string]any)) error {
	out, err := o.call(cmd.Context(), method, req)
	if err != nil {
		return err
	}
	if o.json || human == nil {
		return fprintJSON(cmd.OutOrStdout(), out)
	}
	human(out)
	return nil
}
