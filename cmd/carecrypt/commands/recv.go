package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"carecrypt/internal/domain"
)

// recv: fetch and decrypt queued messages for the local peer.
func recvCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := wire.Poll(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				switch {
				case m.Err != nil:
					fmt.Printf("[%s] rejected: %v\n", m.From, m.Err)
				case m.Kind == domain.FrameHandshake:
					fmt.Printf("[%s] session handshake\n", m.From)
				default:
					fmt.Printf("[%s] %s\n", m.From, string(m.Plaintext))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum frames to fetch (0 for all)")
	return cmd
}
