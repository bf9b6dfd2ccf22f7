package message

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
	"sigil/internal/protocol/wire"
)

// ErrUnknownMessage is returned by MarkRead for messages this device never
// received.
var ErrUnknownMessage = errors.New("unknown message")

// Handlers receive what arrives over the delivery socket. Any of them may be
// nil.
type Handlers struct {
	OnMessage  func(domain.DecryptedMessage)
	OnReceipt  func(domain.ReceiptPayload)
	OnTyping   func(domain.TypingPayload)
	OnPresence func(domain.PresencePayload)
}

// Service sends and receives messages over the relay's delivery socket.
//
// High-level flow:
//   - Send: encrypt once per recipient device through the session engine,
//     hand the envelopes to the relay in one send frame, and track the
//     message's status as the relay confirms and receipts arrive.
//   - Receive: decrypt each new_message, pass it to OnMessage and ack it so
//     the relay drops the queued copy and notifies the sender. A message that
//     can never be decrypted is acked as rejected and the sender marks it
//     failed.
//
// Only the most recent maxTracked messages in each direction are remembered.
type Service struct {
	local    domain.Address
	sessions domain.SessionService
	prekeys  domain.PreKeyService
	out      domain.FrameSender
	handlers Handlers
	log      *logging.Logger

	status   *statusTracker
	received *lru.Cache[domain.MessageID, struct{}]
	sentTo   *lru.Cache[domain.MessageID, domain.UserID]
}

// New constructs a message service for the local device.
func New(
	local domain.Address,
	sessions domain.SessionService,
	prekeys domain.PreKeyService,
	out domain.FrameSender,
	handlers Handlers,
	log *logging.Logger,
) *Service {
	if log == nil {
		log = logging.MustGetLogger("message")
	}
	return &Service{
		local:    local,
		sessions: sessions,
		prekeys:  prekeys,
		out:      out,
		handlers: handlers,
		log:      log,
		status:   newStatusTracker(maxTracked),
		received: newCache[domain.MessageID, struct{}](maxTracked),
		sentTo:   newCache[domain.MessageID, domain.UserID](maxTracked),
	}
}

// Send encrypts plaintext for every device of user and hands the envelopes
// to the relay. The returned id identifies the message in receipts.
func (s *Service) Send(
	ctx context.Context,
	to domain.UserID,
	conversation domain.ConversationID,
	plaintext []byte,
) (domain.MessageID, error) {
	id := domain.MessageID(uuid.NewString())
	s.status.advance(id, domain.StatusSending)

	envs, err := s.sessions.EncryptForUser(ctx, to, plaintext)
	if err != nil {
		s.status.advance(id, domain.StatusFailed)
		return id, err
	}

	payload := domain.SendPayload{
		MessageID:      id,
		ConversationID: conversation,
		To:             to,
		Envelopes:      make([]domain.DeviceEnvelope, 0, len(envs)),
	}
	for device, env := range envs {
		b, err := wire.MarshalEnvelope(env)
		if err != nil {
			s.status.advance(id, domain.StatusFailed)
			return id, err
		}
		payload.Envelopes = append(payload.Envelopes, domain.DeviceEnvelope{Device: device, Envelope: b})
	}
	sort.Slice(payload.Envelopes, func(i, j int) bool {
		return payload.Envelopes[i].Device < payload.Envelopes[j].Device
	})

	f, err := wire.NewFrame(domain.FrameSend, payload)
	if err != nil {
		s.status.advance(id, domain.StatusFailed)
		return id, err
	}
	s.sentTo.Add(id, to)
	if err := s.out.SendFrame(ctx, f); err != nil {
		s.status.advance(id, domain.StatusFailed)
		return id, fmt.Errorf("send frame: %w", err)
	}
	return id, nil
}

// SendTyping tells user's devices whether we are typing.
func (s *Service) SendTyping(ctx context.Context, to domain.UserID, conversation domain.ConversationID, typing bool) error {
	f, err := wire.NewFrame(domain.FrameTyping, domain.TypingPayload{
		ConversationID: conversation,
		To:             to,
		IsTyping:       typing,
	})
	if err != nil {
		return err
	}
	return s.out.SendFrame(ctx, f)
}

// HandleFrame processes one frame from the relay. A protocol error on an
// incoming message is returned after the message has been acked, since it
// can never be decrypted.
func (s *Service) HandleFrame(ctx context.Context, f domain.Frame) error {
	switch f.Type {
	case domain.FrameNewMessage:
		var p domain.NewMessagePayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return err
		}
		return s.handleNewMessage(ctx, p)

	case domain.FrameSent:
		var p domain.SentPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return err
		}
		s.handleSent(p)

	case domain.FrameReceipt:
		var p domain.ReceiptPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return err
		}
		next := domain.StatusDelivered
		switch p.Kind {
		case domain.ReceiptRead:
			next = domain.StatusRead
		case domain.ReceiptRejected:
			next = domain.StatusFailed
			s.log.Warningf("Message %s could not be decrypted by %s", p.MessageID, p.From)
		}
		s.status.advance(p.MessageID, next)
		if s.handlers.OnReceipt != nil {
			s.handlers.OnReceipt(p)
		}

	case domain.FrameKeysLow:
		var p domain.KeysLowPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return err
		}
		s.log.Noticef("Relay reports %d one-time pre-keys left, replenishing", p.Remaining)
		if _, err := s.prekeys.Replenish(ctx, s.local); err != nil {
			return fmt.Errorf("replenish pre-keys: %w", err)
		}

	case domain.FrameError:
		var p domain.ErrorPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return err
		}
		if p.MessageID != "" {
			s.status.advance(p.MessageID, domain.StatusFailed)
		}
		s.log.Warningf("Relay error for %q: %s", p.MessageID, p.Message)

	case domain.FrameTyping:
		var p domain.TypingPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return err
		}
		if s.handlers.OnTyping != nil {
			s.handlers.OnTyping(p)
		}

	case domain.FramePresence:
		var p domain.PresencePayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return err
		}
		if s.handlers.OnPresence != nil {
			s.handlers.OnPresence(p)
		}

	case domain.FramePong:
	default:
		s.log.Debugf("Ignoring %s frame", f.Type)
	}
	return nil
}

func (s *Service) handleNewMessage(ctx context.Context, p domain.NewMessagePayload) error {
	env, err := wire.UnmarshalEnvelope(p.Envelope)
	if err == nil {
		var pt []byte
		if pt, err = s.sessions.Decrypt(ctx, p.From, env); err == nil {
			s.received.Add(p.MessageID, struct{}{})
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(domain.DecryptedMessage{
					ID:             p.MessageID,
					ConversationID: p.ConversationID,
					From:           p.From,
					Plaintext:      pt,
					SentAt:         p.SentAt,
				})
			}
		}
	}
	if err != nil && !domain.IsProtocolError(err) {
		// Left queued on the relay and redelivered on reconnect.
		return fmt.Errorf("message %s from %s: %w", p.MessageID, p.From, err)
	}
	kind := domain.ReceiptDelivered
	if err != nil {
		kind = domain.ReceiptRejected
	}
	if ackErr := s.ack(ctx, p.MessageID, kind); ackErr != nil {
		return ackErr
	}
	if err != nil {
		s.log.Warningf("Dropped message %s from %s: %v", p.MessageID, p.From, err)
		return fmt.Errorf("message %s from %s: %w", p.MessageID, p.From, err)
	}
	return nil
}

func (s *Service) handleSent(p domain.SentPayload) {
	if p.Delivered+p.Queued > 0 {
		s.status.advance(p.MessageID, domain.StatusSent)
	}
	if len(p.MissingDevices) == 0 && len(p.StaleDevices) == 0 {
		return
	}
	s.log.Warningf("Message %s: missing devices %v, stale devices %v",
		p.MessageID, p.MissingDevices, p.StaleDevices)

	to, ok := s.sentTo.Get(p.MessageID)
	if !ok {
		return
	}
	// Stale devices are gone from the directory; drop their sessions so that
	// a reinstalled device gets a fresh handshake.
	for _, d := range p.StaleDevices {
		remote := domain.Address{User: to, Device: d}
		if err := s.sessions.ResetSession(remote); err != nil {
			s.log.Errorf("Failed to reset session with %s: %v", remote, err)
		}
	}
}

// MarkRead sends a read receipt for a message this device received.
func (s *Service) MarkRead(ctx context.Context, id domain.MessageID) error {
	if !s.received.Contains(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return s.ack(ctx, id, domain.ReceiptRead)
}

// Status returns the status of a message this device sent.
func (s *Service) Status(id domain.MessageID) (domain.MessageStatus, bool) {
	return s.status.get(id)
}

func (s *Service) ack(ctx context.Context, id domain.MessageID, kind domain.ReceiptKind) error {
	f, err := wire.NewFrame(domain.FrameAck, domain.AckPayload{MessageID: id, Kind: kind})
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.out.SendFrame(actx, f)
}

// Compile-time assertion that Service implements domain.MessageService.
var _ domain.MessageService = (*Service)(nil)
