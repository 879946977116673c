package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Enable monitoring for the next run",
		Long:  `Persist the monitoring flag. A running daemon picks it up at its next start; use /start in the chat for an immediate start.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setMonitoring(cmd, true)
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Disable monitoring and clear the auto-stop deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setMonitoring(cmd, false)
		},
	}
}

func setMonitoring(cmd *cobra.Command, on bool) error {
	a, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.SetMonitoring(cmd.Context(), on); err != nil {
		return err
	}
	state := "disabled"
	if on {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Monitoring %s.\n", state)
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the selected channel and photo counts by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.String())
			return nil
		},
	}
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <uri>",
		Short: "Delete the record of a photo so it is treated as new",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s.\n", args[0])
			return nil
		},
	}
}
