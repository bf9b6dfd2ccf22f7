package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
	"sigil/internal/instrument"
	"sigil/internal/protocol/wire"
)

// ErrInvalidSend is returned for send requests missing an id, a recipient
// or envelopes.
var ErrInvalidSend = errors.New("invalid send request")

// Directory lists the devices of a user.
type Directory interface {
	Devices(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error)
}

// Pipeline handles the frames devices send to the relay: it persists and
// fans out messages, applies acknowledgements and relays typing and
// presence.
type Pipeline struct {
	hub      *Hub
	mailbox  Mailbox
	dir      Directory
	presence PresenceStore
	timeout  time.Duration
	log      *logging.Logger
}

// NewPipeline returns a pipeline delivering through hub.
func NewPipeline(hub *Hub, mailbox Mailbox, dir Directory, presence PresenceStore, log *logging.Logger) *Pipeline {
	return &Pipeline{
		hub:      hub,
		mailbox:  mailbox,
		dir:      dir,
		presence: presence,
		timeout:  hub.settings.WriteWait,
		log:      log,
	}
}

// HandleFrame implements FrameHandler.
func (p *Pipeline) HandleFrame(ctx context.Context, c *Conn, f domain.Frame) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		reply     *domain.Frame
		messageID domain.MessageID
		err       error
	)
	switch f.Type {
	case domain.FrameSend:
		var req domain.SendPayload
		if err = wire.DecodePayload(f, &req); err != nil {
			break
		}
		messageID = req.MessageID
		var sent domain.SentPayload
		if sent, err = p.Send(ctx, c.Addr(), req); err == nil {
			reply = frameOf(domain.FrameSent, sent)
		}

	case domain.FrameAck:
		var ack domain.AckPayload
		if err = wire.DecodePayload(f, &ack); err != nil {
			break
		}
		messageID = ack.MessageID
		err = p.Ack(ctx, c.Addr(), ack)

	case domain.FrameTyping:
		var t domain.TypingPayload
		if err = wire.DecodePayload(f, &t); err != nil {
			break
		}
		if t.To == "" {
			err = errors.New("typing frame without recipient")
			break
		}
		t.From = c.Addr().User
		p.hub.Notify(ctx, domain.Address{User: t.To}, *frameOf(domain.FrameTyping, t))

	case domain.FramePresence:
		var q domain.PresencePayload
		if err = wire.DecodePayload(f, &q); err != nil {
			break
		}
		var online bool
		if online, err = p.presence.Online(ctx, q.User); err == nil {
			q.Status = StatusOffline
			if online {
				q.Status = StatusOnline
			}
			reply = frameOf(domain.FramePresence, q)
		}

	case domain.FramePing:
		reply = frameOf(domain.FramePong, nil)

	default:
		err = fmt.Errorf("unsupported frame type %q", f.Type)
	}

	if err != nil {
		p.log.Debugf("Rejected %s frame from %s: %v", f.Type, c.Addr(), err)
		reply = frameOf(domain.FrameError, domain.ErrorPayload{MessageID: messageID, Message: err.Error()})
	}
	if reply != nil {
		c.Reply(ctx, *reply)
	}
}

// Send persists one envelope per recipient device and routes each to the
// device's connection. Envelopes for devices the directory does not know are
// dropped and reported as stale; listed devices without an envelope are
// reported as missing.
func (p *Pipeline) Send(ctx context.Context, from domain.Address, req domain.SendPayload) (domain.SentPayload, error) {
	if req.MessageID == "" || req.To == "" || len(req.Envelopes) == 0 {
		return domain.SentPayload{}, ErrInvalidSend
	}
	devices, err := p.dir.Devices(ctx, req.To)
	if err != nil {
		return domain.SentPayload{}, fmt.Errorf("list devices of %s: %w", req.To, err)
	}
	listed := make(map[domain.DeviceID]bool, len(devices))
	for _, d := range devices {
		listed[d] = true
	}

	out := domain.SentPayload{MessageID: req.MessageID}
	now := time.Now().UTC()
	covered := make(map[domain.DeviceID]bool, len(req.Envelopes))
	queued := make([]QueuedMessage, 0, len(req.Envelopes))
	for _, env := range req.Envelopes {
		if !listed[env.Device] {
			out.StaleDevices = append(out.StaleDevices, env.Device)
			continue
		}
		if covered[env.Device] || len(env.Envelope) == 0 {
			continue
		}
		covered[env.Device] = true
		queued = append(queued, QueuedMessage{
			ID:             req.MessageID,
			ConversationID: req.ConversationID,
			From:           from,
			To:             domain.Address{User: req.To, Device: env.Device},
			Envelope:       env.Envelope,
			SentAt:         now,
		})
	}
	for _, d := range devices {
		if !covered[d] && !(req.To == from.User && d == from.Device) {
			out.MissingDevices = append(out.MissingDevices, d)
		}
	}

	// Persist before routing so a crash never loses an accepted message.
	if err := p.mailbox.Enqueue(ctx, queued); err != nil {
		return domain.SentPayload{}, err
	}
	for _, q := range queued {
		f, err := q.Frame()
		if err != nil {
			return domain.SentPayload{}, err
		}
		local, err := p.hub.Route(ctx, Route{To: q.To, MessageID: q.ID, Frame: f})
		switch {
		case err != nil:
			// Still queued; delivered when the device reconnects.
			p.log.Warningf("Failed to route %s to %s: %v", q.ID, q.To, err)
			out.Queued++
			instrument.EnvelopeRouted("queued")
		case local:
			out.Delivered++
			instrument.EnvelopeRouted("live")
		default:
			out.Queued++
			instrument.EnvelopeRouted("published")
		}
	}
	return out, nil
}

// Ack removes the acknowledged message from the device's queue and records
// the receipt. A receipt that was not seen before is forwarded to every
// device of the sender. A rejected ack drops the message the same way but
// tells the sender it could not be read.
func (p *Pipeline) Ack(ctx context.Context, from domain.Address, ack domain.AckPayload) error {
	if ack.MessageID == "" || !ack.Kind.Valid() {
		return fmt.Errorf("invalid ack %q for %q", ack.Kind, ack.MessageID)
	}
	if err := p.mailbox.Remove(ctx, ack.MessageID, from); err != nil {
		return err
	}
	p.hub.Acked(from, ack.MessageID)
	applied, sender, err := p.mailbox.ApplyReceipt(ctx, domain.Receipt{
		MessageID: ack.MessageID,
		User:      from.User,
		Device:    from.Device,
		Kind:      ack.Kind,
		At:        time.Now().UTC(),
	})
	if err != nil || !applied {
		return err
	}
	instrument.ReceiptRecorded(string(ack.Kind))
	if !sender.Valid() {
		return nil
	}
	p.hub.Notify(ctx, domain.Address{User: sender.User}, *frameOf(domain.FrameReceipt, domain.ReceiptPayload{
		MessageID: ack.MessageID,
		From:      from,
		Kind:      ack.Kind,
	}))
	return nil
}

// NotifyKeysLow asks a device to upload more one-time pre-keys. It matches
// the bundle service's low-water callback.
func (p *Pipeline) NotifyKeysLow(addr domain.Address, remaining int) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.hub.Notify(ctx, addr, *frameOf(domain.FrameKeysLow, domain.KeysLowPayload{Remaining: remaining}))
}

func frameOf(t domain.FrameType, payload any) *domain.Frame {
	f := wire.MustFrame(t, payload)
	return &f
}

// Compile-time assertion that Pipeline implements FrameHandler.
var _ FrameHandler = (*Pipeline)(nil)
