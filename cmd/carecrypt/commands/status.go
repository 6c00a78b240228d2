package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show key rotation schedule and forward-secrecy audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := wire.Engine.ScheduledRotationStatus(cmd.Context())
			fs := wire.Engine.AuditForwardSecrecy()

			fmt.Printf("Peer:               %s\n", cfg.Self)
			fmt.Printf("Signed pre-key:     %d\n", st.ActiveSignedPreKeyID)
			fmt.Printf("One-time pre-keys:  %d\n", st.OneTimePreKeys)
			fmt.Printf("Rotation interval:  %s\n", st.Interval)
			fmt.Printf("Last rotation:      %s\n", when(st.LastRotation))
			fmt.Printf("Next rotation:      %s\n", when(st.NextRotation))
			fmt.Printf("Keys tracked:       %d (%d deleted, %d due)\n", fs.TotalKeys, fs.DeletedKeys, fs.ExpectedDeleted)
			if fs.Maintained {
				fmt.Println("Forward secrecy:    maintained")
			} else {
				fmt.Println("Forward secrecy:    OVERDUE DELETIONS")
			}
			return nil
		},
	}
}

func when(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC1123)
}
