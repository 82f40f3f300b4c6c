package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain/types"
)

// startSessionCmd claims a one-time key of the device and opens an olm
// session by encrypting an m.dummy event. The pre-key message is printed for
// delivery.
func startSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-session <user-id> <device-id>",
		Short: "Open an olm session with a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			user, device := id.UserID(args[0]), id.DeviceID(args[1])
			w, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			if _, err := w.Machine.QueryKeys(ctx, user); err != nil {
				return err
			}
			if _, err := w.Machine.EncryptToDevice(ctx, user, device, types.EventDummy, struct{}{}); err != nil {
				return fmt.Errorf("starting session with %s %s: %w", user, device, err)
			}
			return printOutgoing(cmd, w)
		},
	}
}
