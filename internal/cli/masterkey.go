package cli

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/roadmap-sync/internal/app"
	"github.com/nhle/roadmap-sync/internal/theme"
)

func newMasterKeyCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master-key",
		Short: "Manage the master secret in the system keyring",
		Long: `Manage the master secret in the system keyring.

The master secret encrypts stored personal access tokens. ROADMAP_SECRET_KEY
takes precedence over the keyring. Changing the secret makes existing
tokens unreadable; configure them again afterwards.`,
	}
	cmd.AddCommand(newMasterKeySetCommand(e), newMasterKeyClearCommand(e))
	return cmd
}

func newMasterKeySetCommand(e *env) *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a master secret in the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			_, ring := app.MasterKeyProvider(cfg)

			var value string
			if fromStdin {
				if value, err = readSecret(cmd.InOrStdin()); err != nil {
					return err
				}
			} else {
				err := huh.NewInput().
					Title("Master secret").
					Description("At least 16 characters; keep a copy somewhere safe").
					EchoMode(huh.EchoModePassword).
					Value(&value).
					Validate(func(s string) error {
						if len(s) < 16 {
							return fmt.Errorf("master secret must be at least 16 characters")
						}
						return nil
					}).
					Run()
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
					return nil
				}
				if err != nil {
					return err
				}
			}

			if err := ring.Store(value); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "master secret stored")
			if cfg.SecretKey != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), theme.WarningStyle.Render(
					"note: ROADMAP_SECRET_KEY is set and takes precedence over the keyring"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the secret from stdin")
	return cmd
}

func newMasterKeyClearCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the master secret from the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			_, ring := app.MasterKeyProvider(cfg)
			if err := ring.Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "master secret removed")
			return nil
		},
	}
}
