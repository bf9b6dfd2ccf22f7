package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sigil/internal/app"
	"sigil/internal/domain"
)

func initCmd() *cobra.Command {
	var (
		user     string
		device   uint32
		relayURL string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create this device's identity and profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, fp, err := app.Init(cfg, domain.Profile{
				User:     domain.UserID(user),
				Device:   domain.DeviceID(device),
				RelayURL: relayURL,
			})
			if err != nil {
				return err
			}
			defer w.Close()
			fmt.Printf("Identity created for %s.\nFingerprint: %s\n", w.Profile.Address(), fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "your user id")
	cmd.Flags().Uint32Var(&device, "device", 1, "this device's id (non-zero)")
	cmd.Flags().StringVar(&relayURL, "relay", "http://127.0.0.1:8080", "relay base URL")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
