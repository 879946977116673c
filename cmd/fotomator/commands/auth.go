package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth [code]",
		Short: "Authorize the Slack workspace",
		Long: `Without arguments, print the authorization page. After approving access,
pass the code from the redirect to store the token.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				u := a.AuthorizeURL()
				if u == "" {
					return fmt.Errorf("slack is not enabled in the config")
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			}
			res, err := a.Authorize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Authorized for %s.\n", res.TeamName)
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored authorization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Logout(cmd.Context())
		},
	}
}
