package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
)

const (
	messageChannel    = "messages:"
	presenceKeyPrefix = "presence:"
)

// DialRedis connects to redis and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisBroker is a Broker on redis pub/sub, one channel per user.
type RedisBroker struct {
	client *redis.Client
	ps     *redis.PubSub
	ch     chan Route
	log    *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBroker starts a subscription on client. It is subscribed to no
// users until Subscribe is called.
func NewRedisBroker(ctx context.Context, client *redis.Client, log *logging.Logger) *RedisBroker {
	b := &RedisBroker{
		client: client,
		ps:     client.Subscribe(ctx),
		ch:     make(chan Route, routeBuffer),
		log:    log,
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *RedisBroker) pump() {
	defer close(b.ch)
	for msg := range b.ps.Channel() {
		var r Route
		if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
			b.log.Warningf("Dropping malformed route on %s: %v", msg.Channel, err)
			continue
		}
		select {
		case b.ch <- r:
		case <-b.done:
			return
		}
	}
}

func channelFor(user domain.UserID) string { return messageChannel + string(user) }

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, r Route) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelFor(r.To.User), payload).Err()
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(ctx context.Context, user domain.UserID) error {
	return b.ps.Subscribe(ctx, channelFor(user))
}

// Unsubscribe implements Broker.
func (b *RedisBroker) Unsubscribe(ctx context.Context, user domain.UserID) error {
	return b.ps.Unsubscribe(ctx, channelFor(user))
}

// Routes implements Broker.
func (b *RedisBroker) Routes() <-chan Route { return b.ch }

// Close stops the subscription. The client is left open.
func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.ps.Close()
	})
	return err
}

// RedisPresence keeps presence in redis so that every relay instance sees
// it. Each key is the set of hubs holding a connection for the user and
// expires unless refreshed.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresence returns a presence store whose records live for ttl
// without a refresh.
func NewRedisPresence(client *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{client: client, ttl: ttl}
}

// SetOnline implements PresenceStore.
func (p *RedisPresence) SetOnline(ctx context.Context, user domain.UserID, node string) error {
	pipe := p.client.Pipeline()
	pipe.SAdd(ctx, presenceKeyPrefix+string(user), node)
	pipe.Expire(ctx, presenceKeyPrefix+string(user), p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline implements PresenceStore.
func (p *RedisPresence) SetOffline(ctx context.Context, user domain.UserID, node string) error {
	return p.client.SRem(ctx, presenceKeyPrefix+string(user), node).Err()
}

// Online implements PresenceStore.
func (p *RedisPresence) Online(ctx context.Context, user domain.UserID) (bool, error) {
	n, err := p.client.SCard(ctx, presenceKeyPrefix+string(user)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Compile-time assertions.
var (
	_ Broker        = (*RedisBroker)(nil)
	_ PresenceStore = (*RedisPresence)(nil)
)
