package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/app"
	"olmkit/internal/store"
)

func exportKeysCmd() *cobra.Command {
	var (
		room       string
		exportPass string
	)
	cmd := &cobra.Command{
		Use:   "export-keys <file>",
		Short: "Write room keys to a passphrase protected file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			if exportPass == "" {
				if exportPass, err = app.Prompt(cmd.ErrOrStderr(), true); err != nil {
					return err
				}
			}
			data, err := w.Machine.ExportRoomKeys(ctx, id.RoomID(room), exportPass)
			if err != nil {
				return err
			}
			if err := store.WriteFile(args[0], data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Keys written to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "only export this room")
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase protecting the file (prompted when empty)")
	return cmd
}

func importKeysCmd() *cobra.Command {
	var exportPass string
	cmd := &cobra.Command{
		Use:   "import-keys <file>",
		Short: "Read room keys from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := store.ReadFile(args[0])
			if err != nil {
				return err
			}
			if data == nil {
				return fmt.Errorf("%s: no such file", args[0])
			}
			w, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			if exportPass == "" {
				if exportPass, err = app.Prompt(cmd.ErrOrStderr(), false); err != nil {
					return err
				}
			}
			res, err := w.Machine.ImportRoomKeys(ctx, data, exportPass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d sessions (%d unreadable).\n", res.Imported, res.Total, len(res.Skipped))
			return nil
		},
	}
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase of the file (prompted when empty)")
	return cmd
}
