package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sigil/internal/app"
	"sigil/internal/crypto"
	"sigil/internal/domain"
)

func resetSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session <user.device>",
		Short: "Drop the session with a device; the next message starts a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			return withWire(func(_ context.Context, w *app.Wire) error {
				if err := w.Sessions.ResetSession(remote); err != nil {
					return err
				}
				fmt.Printf("Session with %s reset\n", remote)
				return nil
			})
		},
	}
}

// trust <user.device> <identity>: accept a changed identity key after
// verifying it out of band.
func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <user.device> <identity-key>",
		Short: "Trust a device's identity key, as printed by its fingerprint command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			var id domain.PublicIdentity
			if err := id.UnmarshalText([]byte(args[1])); err != nil {
				return fmt.Errorf("identity key: %w", err)
			}
			return withWire(func(_ context.Context, w *app.Wire) error {
				if err := w.Sessions.TrustIdentity(remote, id); err != nil {
					return err
				}
				fmt.Printf("Trusted %s with fingerprint %s\n", remote, crypto.FingerprintIdentity(id))
				return nil
			})
		},
	}
}
