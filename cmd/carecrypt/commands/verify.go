package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"carecrypt/internal/domain"
)

// verify <peer> <fingerprint>: pin a fingerprint compared out of band.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <peer> <fingerprint>",
		Short: "Pin a peer's fingerprint after comparing it in person",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := domain.PeerID(args[0])
			if err := wire.Engine.VerifyPeer(cmd.Context(), peer, domain.Fingerprint(args[1])); err != nil {
				return err
			}
			fmt.Printf("Pinned %s for %s\n", args[1], peer)
			return nil
		},
	}
}
