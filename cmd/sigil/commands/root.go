package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sigil/internal/app"
	"sigil/internal/domain"
	"sigil/internal/log"
)

const passphraseEnv = "SIGIL_PASSPHRASE"

var (
	home       string
	passphrase string
	logLevel   string
	timeout    time.Duration

	cfg app.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:           "sigil",
		Short:         "End-to-end encrypted multi-device messaging",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".sigil")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if passphrase == "" {
				passphrase = os.Getenv(passphraseEnv)
			}
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p or $%s)", passphraseEnv)
			}
			logs, err := log.New(filepath.Join(home, "sigil.log"), logLevel, false)
			if err != nil {
				return err
			}
			cfg = app.Config{Home: home, Passphrase: passphrase, Log: logs}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.sigil)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the key store")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "NOTICE", "log level written to <home>/sigil.log")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for relay requests")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		registerCmd(),
		rotateCmd(),
		sendCmd(),
		listenCmd(),
		resetSessionCmd(),
		trustCmd(),
	)
	return root.Execute()
}

// withWire opens the app for one command.
func withWire(fn func(ctx context.Context, w *app.Wire) error) error {
	w, err := app.NewWire(cfg)
	if err != nil {
		return err
	}
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, w)
}

func parseAddress(s string) (domain.Address, error) {
	addr, err := domain.ParseAddress(s)
	if err != nil {
		return domain.Address{}, fmt.Errorf("%w (want user.device)", err)
	}
	return addr, nil
}
