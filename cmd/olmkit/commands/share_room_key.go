package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"
)

func shareRoomKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share-room-key <room-id>",
		Short: "Share the room key of a configured room with its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			res, err := w.Machine.ShareRoomKey(ctx, id.RoomID(args[0]))
			if err != nil {
				return err
			}
			for ref, reason := range res.Withheld {
				fmt.Fprintf(cmd.ErrOrStderr(), "withheld from %s: %v\n", ref, reason)
			}
			return printOutgoing(cmd, w)
		},
	}
}
