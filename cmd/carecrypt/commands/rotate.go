package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signed pre-key now and publish a fresh bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := wire.Engine.RotateNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Signed pre-key %d active, %d one-time pre-keys added.\n", res.SignedPreKeyID, res.NewPreKeys)
			for _, ref := range res.Deleted {
				fmt.Printf("Deleted %s\n", ref)
			}
			return nil
		},
	}
}
