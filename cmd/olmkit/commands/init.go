package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/app"
)

func initCmd() *cobra.Command {
	var (
		device   string
		remember bool
	)
	cmd := &cobra.Command{
		Use:   "init <user-id>",
		Short: "Create the device account and publish its keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cfg.UserID != "" && cfg.UserID != id.UserID(args[0]) {
				return fmt.Errorf("%s already holds a device of %s", home, cfg.UserID)
			}
			cfg.UserID = id.UserID(args[0])
			if device != "" {
				cfg.DeviceID = id.DeviceID(device)
			}

			pass := passphrase
			if pass == "" {
				var err error
				if pass, err = app.Prompt(cmd.ErrOrStderr(), true); err != nil {
					return err
				}
			}
			if err := app.CheckPassphrase(pass); err != nil {
				return err
			}

			w, err := app.NewWire(ctx, cfg, pass, nil)
			if err != nil {
				return err
			}
			defer w.Close()
			if err := w.Machine.UploadKeys(ctx); err != nil {
				return err
			}
			if err := w.Config.Save(); err != nil {
				return err
			}
			if remember {
				if err := app.StorePassphrase(cfg.UserID, pass); err != nil {
					return err
				}
			}
			keys, err := w.Machine.IdentityKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s created for %s.\nEd25519: %s\n", w.Config.DeviceID, cfg.UserID, keys.Ed25519)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id (random when empty)")
	cmd.Flags().BoolVar(&remember, "remember", false, "keep the passphrase in the OS keyring")
	return cmd
}
