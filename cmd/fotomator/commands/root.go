// Package commands implements the fotomator CLI.
package commands

import (
	"github.com/spf13/cobra"

	"fotomator/internal/app"
)

const defaultConfigPath = "./config.yaml"

func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "fotomator",
		Short: "Upload new photos to a chat channel after a short delay",
		Long: `fotomator watches photo folders, announces every new photo in Telegram
and uploads it to the selected channel unless you opt out in time.

Examples:
  fotomator run --config ./config.yaml
  fotomator channels --select C012AB3CD
  fotomator auth <code>
  fotomator status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newStartCmd(),
		newStopCmd(),
		newChannelsCmd(),
		newAuthCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newForgetCmd(),
		newEnvCmd(),
	)

	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the config file (json or yaml)")
	return root
}

// openOffline builds the app for one-shot commands.
func openOffline(cmd *cobra.Command) (*app.App, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return app.NewApp(path, app.Options{Offline: true})
}
