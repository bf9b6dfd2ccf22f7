package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sigil/internal/app"
	"sigil/internal/services/prekey"
)

func registerCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish your pre-key bundle to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(func(ctx context.Context, w *app.Wire) error {
				if err := w.PreKeys.Provision(ctx, w.Profile.Address(), count); err != nil {
					return err
				}
				fmt.Printf("Registered %s with %s\n", w.Profile.Address(), w.Profile.RelayURL)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", prekey.DefaultBatch, "one-time pre-keys to upload")
	return cmd
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-signed-prekey",
		Short: "Generate and publish a new signed pre-key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(func(ctx context.Context, w *app.Wire) error {
				id, err := w.PreKeys.RotateSignedPreKey(ctx, w.Profile.Address())
				if err != nil {
					return err
				}
				fmt.Printf("Signed pre-key %d published\n", id)
				return nil
			})
		},
	}
}
