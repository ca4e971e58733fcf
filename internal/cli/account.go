package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show accounts and their sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "Status", nil, func(out map[string]any) {
				printStatus(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newLoginCmd(o *options) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in a new account and make it active",
		Long:  "Log in a new account. The password is read from WSYNC_PASSWORD or stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return o.run(cmd, "Login", map[string]any{
				"email":    args[0],
				"password": pw,
				"name":     name,
			}, func(out map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", out["name"], out["account"])
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "local account name (default \"main\")")
	return cmd
}

func newSelectCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "select <account>",
		Short: "Make an account active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "Select", map[string]any{"account": args[0]}, func(out map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "Active account: %s\n", out["account"])
			})
		},
	}
}

func newLogoutCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out an account and drop its local data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "Logout", nil, func(out map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", out["account"])
			})
		},
	}
}

func newDeleteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account>",
		Short: "Delete an account and its local data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "Delete", map[string]any{"account": args[0]}, func(out map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", out["account"])
			})
		},
	}
}

func newReleaseCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Close background sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, "ReleaseBackground", nil, func(map[string]any) {
				fmt.Fprintln(cmd.OutOrStdout(), "Background sessions released")
			})
		},
	}
}

func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if pw := os.Getenv("WSYNC_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(prompt, "password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
