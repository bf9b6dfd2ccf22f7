package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sigil/internal/app"
	"sigil/internal/domain"
	"sigil/internal/services/message"
)

// listen: stay connected and print what arrives until interrupted.
func listenCmd() *cobra.Command {
	var markRead bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive and decrypt messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := app.NewWire(cfg)
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			read := make(chan domain.MessageID, 16)
			handlers := message.Handlers{
				OnMessage: func(m domain.DecryptedMessage) {
					fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04:05"), m.From, m.Plaintext)
					if markRead {
						read <- m.ID
					}
				},
				OnReceipt: func(r domain.ReceiptPayload) {
					fmt.Printf("* %s %s by %s\n", r.MessageID, r.Kind, r.From)
				},
				OnTyping: func(t domain.TypingPayload) {
					if t.IsTyping {
						fmt.Printf("* %s is typing\n", t.From)
					}
				},
			}
			msgs, err := w.Connect(ctx, handlers)
			if err != nil {
				return err
			}
			fmt.Printf("Listening as %s\n", w.Profile.Address())
			for {
				select {
				case id := <-read:
					// Handlers run on the socket's read loop; acks go out here.
					if err := msgs.MarkRead(ctx, id); err != nil {
						fmt.Fprintf(os.Stderr, "mark %s read: %v\n", id, err)
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&markRead, "read-receipts", true, "send read receipts for displayed messages")
	return cmd
}
