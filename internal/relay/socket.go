package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
	"sigil/internal/protocol/wire"
)

// ErrNotConnected is returned by SendFrame while the socket is down.
var ErrNotConnected = errors.New("not connected to relay")

const (
	writeWait = 10 * time.Second
	pongWait  = 75 * time.Second
)

// Handler consumes frames read from the relay.
type Handler interface {
	HandleFrame(ctx context.Context, f domain.Frame) error
}

// SocketURL returns the delivery socket endpoint of the relay at base for
// device addr.
func SocketURL(base string, addr domain.Address) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	q := url.Values{}
	q.Set("user", string(addr.User))
	q.Set("device", addr.Device.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Socket is a device's delivery connection to the relay. Run keeps it
// connected, reconnecting with backoff, and feeds incoming frames to a
// Handler one at a time.
type Socket struct {
	url    string
	dialer *websocket.Dialer
	log    *logging.Logger

	mu    sync.Mutex
	ws    *websocket.Conn
	ready chan struct{}
}

// NewSocket returns an unconnected socket for url.
func NewSocket(url string, log *logging.Logger) *Socket {
	return &Socket{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    log,
		ready:  make(chan struct{}),
	}
}

// Run connects and reads until ctx is done.
func (s *Socket) Run(ctx context.Context, h Handler) error {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d := b.Duration()
			s.log.Warningf("Failed to connect to relay, retrying in %v: %v", d, err)
			select {
			case <-time.After(d):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		b.Reset()
		s.log.Infof("Connected to %s", s.url)
		s.serve(ctx, ws, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Socket) serve(ctx context.Context, ws *websocket.Conn, h Handler) {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		s.mu.Lock()
		defer s.mu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	s.mu.Lock()
	s.ws = ws
	close(s.ready)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ws = nil
		s.ready = make(chan struct{})
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warningf("Lost relay connection: %v", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		f, err := wire.DecodeFrame(b)
		if err != nil {
			s.log.Warningf("Ignoring frame from relay: %v", err)
			continue
		}
		if err := h.HandleFrame(ctx, f); err != nil {
			s.log.Errorf("Failed to handle %s frame: %v", f.Type, err)
		}
	}
}

// WaitConnected blocks until the socket is connected or ctx is done.
func (s *Socket) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		ws, ready := s.ws, s.ready
		s.mu.Unlock()
		if ws != nil {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendFrame implements domain.FrameSender.
func (s *Socket) SendFrame(ctx context.Context, f domain.Frame) error {
	b, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.ws.SetWriteDeadline(deadline)
	if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	return nil
}

var _ domain.FrameSender = (*Socket)(nil)
