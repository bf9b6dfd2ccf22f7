package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
	"sigil/internal/instrument"
	"sigil/internal/protocol/wire"
)

// State is the lifecycle of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler processes frames read from a connection.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Conn, f domain.Frame)
}

// Conn is the middleware between one device's websocket and the hub.
type Conn struct {
	hub     *Hub
	ws      *websocket.Conn
	addr    domain.Address
	handler FrameHandler
	log     *logging.Logger

	// Once registered, send is written and closed only by the hub goroutine.
	send  chan []byte
	state atomic.Int32

	// Hub goroutine only. seen holds every message id written to send;
	// awaiting the queued ones not yet acked; backlog whether the mailbox
	// still holds messages this connection has not been sent.
	seen     map[domain.MessageID]bool
	awaiting map[domain.MessageID]bool
	backlog  bool
}

// Serve registers ws as the connection of device addr and starts its pumps.
func Serve(h *Hub, ws *websocket.Conn, addr domain.Address, handler FrameHandler) (*Conn, error) {
	c := &Conn{
		hub:      h,
		ws:       ws,
		addr:     addr,
		handler:  handler,
		log:      h.log,
		send:     make(chan []byte, h.settings.SendBuffer),
		seen:     make(map[domain.MessageID]bool),
		awaiting: make(map[domain.MessageID]bool),
	}
	// The write pump drains send while the hub redelivers queued messages.
	go c.writePump()
	if err := h.Register(c); err != nil {
		close(c.send)
		ws.Close()
		return nil, err
	}
	go c.readPump()
	return c, nil
}

// Addr is the device on the other end.
func (c *Conn) Addr() domain.Address { return c.addr }

// State returns the connection's lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Reply routes f back to this device.
func (c *Conn) Reply(ctx context.Context, f domain.Frame) {
	c.hub.Notify(ctx, c.addr, f)
}

func (c *Conn) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	wait := c.hub.settings.PongWait
	c.ws.SetReadLimit(c.hub.settings.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Infof("Connection %s: %v", c.addr, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(wait))

		f, err := wire.DecodeFrame(b)
		if err != nil {
			c.Reply(ctx, wire.MustFrame(domain.FrameError, domain.ErrorPayload{Message: err.Error()}))
			continue
		}
		instrument.FrameReceived(string(f.Type))
		c.handler.HandleFrame(ctx, c, f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.settings.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	wait := c.hub.settings.WriteWait
	for {
		select {
		case b, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debugf("Write to %s failed: %v", c.addr, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
