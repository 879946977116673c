package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fotomator/internal/chat"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List upload destinations or select one",
		Long: `List the channels, group and direct conversations photos can be uploaded to.
With --select the destination is stored and used from the next upload on.

Examples:
  fotomator channels
  fotomator channels --select C012AB3CD`,
		Args: cobra.NoArgs,
		RunE: runChannels,
	}
	cmd.Flags().String("select", "", "channel id to upload to")
	return cmd
}

func kindLabel(k chat.Kind) string {
	switch k {
	case chat.KindGroup:
		return "group"
	case chat.KindDirect:
		return "direct"
	default:
		return "channel"
	}
}

func runChannels(cmd *cobra.Command, _ []string) error {
	a, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	chans := a.Channels(cmd.Context())
	if chans == nil {
		return errors.New("could not list channels (check authorization)")
	}

	if id, _ := cmd.Flags().GetString("select"); id != "" {
		for _, c := range chans {
			if c.ID == id {
				if err := a.SelectChannel(cmd.Context(), c.ID, c.Name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uploading to %s.\n", c.Name)
				return nil
			}
		}
		return fmt.Errorf("unknown channel %q", id)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tTOPIC")
	for _, c := range chans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, kindLabel(c.Kind), c.Name, c.Topic)
	}
	return w.Flush()
}
