package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Publish device, one-time and fallback keys when the server needs them",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			if err := w.Machine.UploadKeys(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Keys are up to date.")
			return nil
		},
	}
}
