package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"olmkit/internal/crypto"
	"olmkit/internal/domain/types"
)

func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device identity keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			keys, err := w.Machine.IdentityKeys()
			if err != nil {
				return err
			}
			ed, err := types.ParseEd25519(keys.Ed25519)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:        %s\nDevice:      %s\n", w.Machine.UserID(), w.Machine.DeviceID())
			fmt.Fprintf(out, "Ed25519:     %s\n", crypto.DisplayKey(string(keys.Ed25519)))
			fmt.Fprintf(out, "Curve25519:  %s\n", crypto.DisplayKey(string(keys.Curve25519)))
			fmt.Fprintf(out, "Fingerprint: %s\n", crypto.Fingerprint(ed[:]))
			return nil
		},
	}
	return cmd
}
