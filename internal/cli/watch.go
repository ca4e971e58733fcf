package cli

import (
	"fmt"

	"github.com/matheus3301/wsync/internal/api"
	"github.com/spf13/cobra"
)

func newWatchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: "Stream daemon events",
		Long:  "Stream daemon events whose kind starts with namespace, for example \"sync.\" or \"message.\".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns := ""
			if len(args) == 1 {
				ns = args[0]
			}
			c, err := api.Dial(o.socketPath())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			w := cmd.OutOrStdout()
			return c.Watch(cmd.Context(), ns, o.account, func(evt map[string]any) bool {
				if o.json {
					return fprintJSON(w, evt) == nil
				}
				fmt.Fprintln(w, formatEvent(evt))
				return true
			})
		},
	}
}
