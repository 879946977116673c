package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"fotomator/internal/config"
)

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List environment variables that override the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			help, err := config.EnvHelp()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), help)
			return nil
		},
	}
}
