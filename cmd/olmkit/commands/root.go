package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"olmkit/internal/app"
)

var (
	home       string
	passphrase string
	keyServer  string
	logLevel   string

	cfg app.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:          "olmkit",
		Short:        "End-to-end encryption engine CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := app.DefaultHome()
				if err != nil {
					return err
				}
				home = dir
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			loaded, err := app.LoadConfig(home)
			if err != nil {
				return err
			}
			if keyServer != "" {
				loaded.KeyServer = keyServer
			}
			if logLevel != "" {
				loaded.Log.Level = logLevel
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.olmkit)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "store passphrase (or OLMKIT_PASSPHRASE, keyring, prompt)")
	root.PersistentFlags().StringVar(&keyServer, "keyserver", "", "key server base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		uploadCmd(),
		devicesCmd(),
		startSessionCmd(),
		shareRoomKeyCmd(),
		crossSigningCmd(),
		exportKeysCmd(),
		importKeysCmd(),
	)
	return root.Execute()
}

// open builds the machine for commands that need an existing device.
func open(ctx context.Context, cmd *cobra.Command) (*app.Wire, error) {
	pass, err := app.ResolvePassphrase(passphrase, cfg.UserID, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return app.NewWire(ctx, cfg, pass, nil)
}

// printOutgoing writes the queued to-device requests as JSON lines for the
// caller to deliver.
func printOutgoing(cmd *cobra.Command, w *app.Wire) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, req := range w.Machine.OutgoingRequests() {
		if err := enc.Encode(req); err != nil {
			return fmt.Errorf("encode request %s: %w", req.TxnID, err)
		}
	}
	return nil
}
