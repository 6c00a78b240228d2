package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"carecrypt/internal/domain"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := domain.PeerID(args[0])
			env, err := wire.Engine.Send(cmd.Context(), peer, []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("sent %s (#%d)\n", env.ID, env.SequenceNumber)
			return nil
		},
	}
}
