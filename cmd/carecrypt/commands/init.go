package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and publish a pre-key bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Start has already created or loaded the identity and published.
			fp, err := wire.Engine.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			st := wire.Engine.ScheduledRotationStatus(cmd.Context())
			fmt.Printf("Identity ready for %s.\nFingerprint: %s\n", cfg.Self, fp)
			fmt.Printf("Signed pre-key %d, %d one-time pre-keys published.\n",
				st.ActiveSignedPreKeyID, st.OneTimePreKeys)
			return nil
		},
	}
}
