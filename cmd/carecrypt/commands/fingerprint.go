package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"carecrypt/internal/domain"
)

func fingerprintCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if peer == "" {
				fp, err := wire.Engine.Fingerprint(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Fingerprint: %s\n", fp)
				return nil
			}
			recs := wire.Engine.PeerFingerprints(domain.PeerID(peer))
			if len(recs) == 0 {
				fmt.Printf("No fingerprint pinned for %s\n", peer)
				return nil
			}
			for _, r := range recs {
				fmt.Printf("%s  %s  %s\n", r.Fingerprint, r.Method, r.VerifiedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "show fingerprints pinned for this peer instead")
	return cmd
}
