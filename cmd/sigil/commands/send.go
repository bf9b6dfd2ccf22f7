package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sigil/internal/app"
	"sigil/internal/domain"
	"sigil/internal/services/message"
)

// send <user> <message>: encrypt for every device of <user> and hand the
// envelopes to the relay.
func sendCmd() *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "send <user> <message>",
		Short: "Encrypt and send a message to every device of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(func(ctx context.Context, w *app.Wire) error {
				msgs, err := w.Connect(ctx, message.Handlers{})
				if err != nil {
					return err
				}
				id, err := msgs.Send(ctx, domain.UserID(args[0]), domain.ConversationID(conversation), []byte(args[1]))
				if err != nil {
					return err
				}
				status, err := waitAccepted(ctx, msgs, id)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", id, status)
				if status == domain.StatusFailed {
					return fmt.Errorf("relay rejected message %s", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	return cmd
}

// waitAccepted polls until the relay has confirmed or rejected id.
func waitAccepted(ctx context.Context, msgs *message.Service, id domain.MessageID) (domain.MessageStatus, error) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if s, ok := msgs.Status(id); ok && s != domain.StatusSending {
			return s, nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for relay to accept %s: %w", id, ctx.Err())
		}
	}
}
