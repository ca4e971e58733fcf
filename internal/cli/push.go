package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPushCmd(o *options) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "push <account> [payload-json]",
		Short: "Deliver a notification payload to an account",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"account": args[0], "source": source}
			if len(args) == 2 {
				req["data"] = args[1]
			}
			return o.run(cmd, "Push", req, func(map[string]any) {
				fmt.Fprintln(cmd.OutOrStdout(), "Delivered")
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "standard", "push channel (standard or voip)")
	return cmd
}

func newPushTokenCmd(o *options) *cobra.Command {
	var app, transport string
	var remove bool
	cmd := &cobra.Command{
		Use:   "push-token <token>",
		Short: "Register or remove the device push token of an account",
		Args: func(cmd *cobra.Command, args []string) error {
			if remove {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if remove {
				return o.run(cmd, "DeletePushToken", nil, func(map[string]any) {
					fmt.Fprintln(cmd.OutOrStdout(), "Push token removed")
				})
			}
			return o.run(cmd, "SetPushToken", map[string]any{
				"token":     args[0],
				"app":       app,
				"transport": transport,
			}, func(map[string]any) {
				fmt.Fprintln(cmd.OutOrStdout(), "Push token set")
			})
		},
	}
	cmd.Flags().StringVar(&app, "app", "wsync", "application identifier")
	cmd.Flags().StringVar(&transport, "transport", "apns", "push transport")
	cmd.Flags().BoolVar(&remove, "delete", false, "unregister the current token instead")
	return cmd
}

func newDeviceCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "device <user> <client>",
		Short: "Show the session bootstrap state of a remote device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "DeviceState", map[string]any{"user": args[0], "client": args[1]}, func(out map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s\n", args[0], args[1], out["state"])
			})
		},
	}
}
