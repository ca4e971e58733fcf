package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func printNonce(cmd *cobra.Command) func(map[string]any) {
	return func(out map[string]any) {
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", out["nonce"])
	}
}

func newSendCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <text>...",
		Short: "Queue a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "SendText", map[string]any{
				"conversation": args[0],
				"text":         strings.Join(args[1:], " "),
			}, printNonce(cmd))
		},
	}
}

func newSendAssetCmd(o *options) *cobra.Command {
	var (
		mime      string
		size      int64
		thumbnail bool
		caption   string
	)
	cmd := &cobra.Command{
		Use:   "send-asset <conversation> <name>",
		Short: "Queue an asset message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "SendAsset", map[string]any{
				"conversation":  args[0],
				"name":          args[1],
				"mime_type":     mime,
				"size":          float64(size),
				"has_thumbnail": thumbnail,
				"caption":       caption,
			}, printNonce(cmd))
		},
	}
	cmd.Flags().StringVar(&mime, "mime", "application/octet-stream", "asset MIME type")
	cmd.Flags().Int64Var(&size, "size", 0, "asset size in bytes")
	cmd.Flags().BoolVar(&thumbnail, "thumbnail", false, "asset has a preview thumbnail")
	cmd.Flags().StringVar(&caption, "caption", "", "caption text")
	return cmd
}

func newResendCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resend <nonce>",
		Short: "Retry a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "Resend", map[string]any{"nonce": args[0]}, printNonce(cmd))
		},
	}
}

func newTypingCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:       "typing <conversation> on|off",
		Short:     "Set the typing indicator of a conversation",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[1] != "on" && args[1] != "off" {
				return fmt.Errorf("typing state must be on or off, got %q", args[1])
			}
			return o.run(cmd, "SetTyping", map[string]any{
				"conversation": args[0],
				"typing":       args[1] == "on",
			}, func(map[string]any) {})
		},
	}
}
