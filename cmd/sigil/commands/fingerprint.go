package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sigil/internal/app"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint and public identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(func(_ context.Context, w *app.Wire) error {
				id, err := w.Identity.Identity(w.Profile.Address())
				if err != nil {
					return err
				}
				fp, err := w.Identity.Fingerprint(w.Profile.Address())
				if err != nil {
					return err
				}
				key, err := id.Public().MarshalText()
				if err != nil {
					return err
				}
				fmt.Printf("Device:      %s\nFingerprint: %s\nIdentity:    %s\n", w.Profile.Address(), fp, key)
				return nil
			})
		},
	}
}
