package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [user-id]",
		Short: "Query and list the devices of a user (default: our own)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			user := w.Machine.UserID()
			if len(args) == 1 {
				user = id.UserID(args[0])
			}
			if _, err := w.Machine.QueryKeys(ctx, user); err != nil {
				return err
			}
			devices, err := w.Machine.UserDevices(ctx, user)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tED25519\tTRUST")
			for _, d := range devices {
				trust, err := w.Machine.DeviceTrust(ctx, d.UserID, d.DeviceID)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.DeviceID, d.SigningKey, trust)
			}
			return tw.Flush()
		},
	}
}
