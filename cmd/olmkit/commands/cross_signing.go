package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func crossSigningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cross-signing",
		Short: "Create and publish cross-signing keys for this user",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ui, err := w.Machine.BootstrapCrossSigning(cmd.Context())
			if err != nil {
				return err
			}
			master, _, err := ui.Master.FirstKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Master key: %s\n", master)
			return nil
		},
	}
}
