package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
	"sigil/internal/instrument"
	"sigil/internal/protocol/wire"
)

// ErrHubStopped is returned once the hub's Run loop has exited.
var ErrHubStopped = errors.New("delivery hub stopped")

// Settings tunes connections and presence.
type Settings struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	PresenceTTL    time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512 * 1024,
		SendBuffer:     256,
		PresenceTTL:    5 * time.Minute,
	}
}

type routeRequest struct {
	r     Route
	local chan bool
}

type ackNotice struct {
	addr domain.Address
	id   domain.MessageID
}

// Hub owns the registry of live connections on this relay instance. Every
// change to the registry and every delivery runs on the Run goroutine;
// other goroutines talk to it through channels.
type Hub struct {
	id       string
	settings Settings
	broker   Broker
	mailbox  Mailbox
	presence PresenceStore
	log      *logging.Logger

	register   chan *Conn
	unregister chan *Conn
	routes     chan routeRequest
	acks       chan ackNotice
	done       chan struct{}
	ctx        context.Context

	// Owned by the Run goroutine.
	conns map[domain.UserID]map[domain.DeviceID]*Conn
}

// NewHub returns a hub. Call Run before accepting connections.
func NewHub(settings Settings, broker Broker, mailbox Mailbox, presence PresenceStore, log *logging.Logger) *Hub {
	return &Hub{
		id:         uuid.NewString(),
		settings:   settings,
		broker:     broker,
		mailbox:    mailbox,
		presence:   presence,
		log:        log,
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		routes:     make(chan routeRequest),
		acks:       make(chan ackNotice, 64),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		conns:      make(map[domain.UserID]map[domain.DeviceID]*Conn),
	}
}

// ID is the hub's name on the broker and in the presence store.
func (h *Hub) ID() string { return h.id }

// Run processes registrations and deliveries until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer close(h.done)

	every := h.settings.PresenceTTL / 2
	if every <= 0 {
		every = DefaultSettings().PresenceTTL / 2
	}
	refresh := time.NewTicker(every)
	defer refresh.Stop()
	brokerRoutes := h.broker.Routes()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case c := <-h.register:
			h.onRegister(c)
		case c := <-h.unregister:
			if h.lookup(c.addr) == c {
				h.drop(c)
			}
		case req := <-h.routes:
			req.local <- h.route(req.r, true)
		case a := <-h.acks:
			h.onAck(a)
		case r, ok := <-brokerRoutes:
			if !ok {
				h.log.Warningf("Broker closed, cross-instance delivery stopped")
				brokerRoutes = nil
				continue
			}
			if r.Origin != h.id {
				h.route(r, false)
			}
		case <-refresh.C:
			for user := range h.conns {
				if err := h.presence.SetOnline(ctx, user, h.id); err != nil {
					h.log.Warningf("Failed to refresh presence of %s: %v", user, err)
				}
			}
		}
	}
}

// Register adds c to the registry. Queued messages for its device are sent
// on it first, at most half a send buffer at a time; the rest follows as the
// device acks.
func (h *Hub) Register(c *Conn) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes c from the registry if it is still the device's
// current connection.
func (h *Hub) Unregister(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Acked tells the hub that addr acknowledged id and its queued copy is gone.
func (h *Hub) Acked(addr domain.Address, id domain.MessageID) {
	select {
	case h.acks <- ackNotice{addr: addr, id: id}:
	case <-h.done:
	}
}

// Route delivers a frame from this instance. It reports whether a
// connection on this hub took it; otherwise it was published to the broker.
func (h *Hub) Route(ctx context.Context, r Route) (bool, error) {
	r.Origin = h.id
	req := routeRequest{r: r, local: make(chan bool, 1)}
	select {
	case h.routes <- req:
	case <-h.done:
		return false, ErrHubStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return <-req.local, nil
}

// Notify routes a control frame to one device, or to all devices of a user
// when the device is zero. Failures are logged.
func (h *Hub) Notify(ctx context.Context, to domain.Address, f domain.Frame) {
	if _, err := h.Route(ctx, Route{To: to, Frame: f}); err != nil {
		h.log.Debugf("Failed to route %s frame to %s: %v", f.Type, to, err)
	}
}

func (h *Hub) lookup(addr domain.Address) *Conn {
	return h.conns[addr.User][addr.Device]
}

func (h *Hub) onRegister(c *Conn) {
	if old := h.lookup(c.addr); old != nil {
		h.log.Noticef("New connection for %s replaces the old one", c.addr)
		h.drop(old)
	}
	devices := h.conns[c.addr.User]
	if devices == nil {
		devices = make(map[domain.DeviceID]*Conn)
		h.conns[c.addr.User] = devices
		if err := h.broker.Subscribe(h.ctx, c.addr.User); err != nil {
			h.log.Errorf("Failed to subscribe to %s: %v", c.addr.User, err)
		}
		if err := h.presence.SetOnline(h.ctx, c.addr.User, h.id); err != nil {
			h.log.Warningf("Failed to mark %s online: %v", c.addr.User, err)
		}
	}
	devices[c.addr.Device] = c
	instrument.ConnectionOpened()

	if !h.redeliver(c) {
		return
	}
	c.setState(StateConnected)
	h.log.Debugf("Registered %s, %d queued messages in flight", c.addr, len(c.awaiting))
}

func (h *Hub) onAck(a ackNotice) {
	c := h.lookup(a.addr)
	if c == nil || !c.awaiting[a.id] {
		return
	}
	delete(c.awaiting, a.id)
	if c.backlog && len(c.awaiting) <= redeliveryWindow(c)/2 {
		h.redeliver(c)
	}
}

// redeliveryWindow bounds the queued messages in flight on c, leaving the
// rest of its send buffer to live traffic.
func redeliveryWindow(c *Conn) int {
	if n := cap(c.send) / 2; n > 0 {
		return n
	}
	return 1
}

// redeliver sends c the queued messages it has not seen yet, oldest first,
// until the redelivery window is full. It reports false if c was dropped.
func (h *Hub) redeliver(c *Conn) bool {
	room := redeliveryWindow(c) - len(c.awaiting)
	if room <= 0 {
		c.backlog = true
		return true
	}
	pending, err := h.mailbox.Pending(h.ctx, c.addr)
	if err != nil {
		h.log.Errorf("Failed to load queued messages for %s: %v", c.addr, err)
		return true
	}
	c.backlog = false
	for _, q := range pending {
		if c.seen[q.ID] {
			continue
		}
		if room == 0 {
			c.backlog = true
			break
		}
		f, err := q.Frame()
		if err != nil {
			h.log.Errorf("Failed to encode queued message %s: %v", q.ID, err)
			continue
		}
		if !h.deliver(c, Route{To: c.addr, MessageID: q.ID, Frame: f}) {
			return false
		}
		c.awaiting[q.ID] = true
		room--
		instrument.EnvelopeRouted("redelivered")
	}
	return true
}

// route hands r to local connections. Routes that originate here and are
// not fully served locally are published to the broker.
func (h *Hub) route(r Route, fromHere bool) bool {
	local := false
	if r.To.Device != 0 {
		if c := h.lookup(r.To); c != nil {
			local = h.deliver(c, r)
		}
	} else {
		for _, c := range h.conns[r.To.User] {
			if h.deliver(c, r) {
				local = true
			}
		}
	}
	if fromHere && (r.To.Device == 0 || !local) {
		pctx, cancel := context.WithTimeout(h.ctx, h.settings.WriteWait)
		if err := h.broker.Publish(pctx, r); err != nil {
			h.log.Warningf("Failed to publish to %s: %v", r.To, err)
		}
		cancel()
	}
	return local
}

// deliver writes to c's buffer without blocking. A connection that cannot
// keep up is closed; its messages stay queued.
func (h *Hub) deliver(c *Conn, r Route) bool {
	if r.MessageID != "" && c.seen[r.MessageID] {
		return true
	}
	b, err := wire.EncodeFrame(r.Frame)
	if err != nil {
		h.log.Errorf("Failed to encode %s frame: %v", r.Frame.Type, err)
		return false
	}
	select {
	case c.send <- b:
		if r.MessageID != "" {
			c.seen[r.MessageID] = true
		}
		return true
	default:
		h.log.Warningf("Send buffer of %s is full, closing connection", c.addr)
		instrument.SlowConsumer()
		h.drop(c)
		return false
	}
}

// drop removes c from the registry and closes its send buffer, which makes
// its write pump close the socket.
func (h *Hub) drop(c *Conn) {
	devices := h.conns[c.addr.User]
	if devices[c.addr.Device] != c {
		return
	}
	delete(devices, c.addr.Device)
	close(c.send)
	c.setState(StateClosed)
	instrument.ConnectionClosed()

	if len(devices) > 0 {
		return
	}
	delete(h.conns, c.addr.User)
	if err := h.broker.Unsubscribe(h.ctx, c.addr.User); err != nil {
		h.log.Warningf("Failed to unsubscribe from %s: %v", c.addr.User, err)
	}
	if err := h.presence.SetOffline(h.ctx, c.addr.User, h.id); err != nil {
		h.log.Warningf("Failed to mark %s offline: %v", c.addr.User, err)
	}
}

func (h *Hub) shutdown() {
	// The run context is already done; presence and broker cleanup still
	// needs one.
	ctx, cancel := context.WithTimeout(context.Background(), h.settings.WriteWait)
	defer cancel()
	h.ctx = ctx
	for _, devices := range h.conns {
		for _, c := range devices {
			h.drop(c)
		}
	}
}
