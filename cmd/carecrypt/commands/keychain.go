package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"carecrypt/internal/secrets"
)

// keychain save|forget manages the passphrase entry for --self. These
// commands never open the key store.
func keychainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keychain",
		Short: "Manage the passphrase stored in the OS keychain",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Store the passphrase given with -p in the keychain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errors.New("passphrase required (-p)")
			}
			k, err := secrets.Open()
			if err != nil {
				return err
			}
			if err := k.Store(cfg.Self, passphrase); err != nil {
				return err
			}
			fmt.Printf("Passphrase for %s saved to the keychain.\n", cfg.Self)
			return nil
		},
	}, &cobra.Command{
		Use:   "forget",
		Short: "Remove the stored passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secrets.Open()
			if err != nil {
				return err
			}
			if err := k.Forget(cfg.Self); err != nil {
				return err
			}
			fmt.Printf("Passphrase for %s removed.\n", cfg.Self)
			return nil
		},
	})
	return cmd
}
