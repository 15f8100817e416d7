package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broadcaster delivers a message to every session subscribed to its room,
// across all server processes, at least once. It persists nothing.
//
// Durable messages must only be published after RoomLog.Append succeeded, so
// any message a live subscriber sees is already visible to catch-up readers.
type Broadcaster interface {
	Publish(ctx context.Context, msg Message) error
}

// LocalBroadcaster fans out within this process only (single-node deployments).
type LocalBroadcaster struct {
	hub *Hub
}

// NewLocalBroadcaster constructs an in-process broadcaster.
func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

// Publish delivers msg to the local members of its room.
func (b *LocalBroadcaster) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.Deliver(msg)
	publishesTotal.WithLabelValues("local", "ok").Inc()
	return nil
}

// RedisBackplane fans out through Redis pub/sub so every process hosting
// members of a room receives each message.
//
// Publish only writes to Redis; local delivery happens in Run, for messages
// from this process and from every other one alike.
type RedisBackplane struct {
	rdb    redis.UniversalClient
	hub    *Hub
	log    *slog.Logger
	prefix string

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBackplane constructs a Redis pub/sub backplane delivering into hub.
func NewRedisBackplane(log *slog.Logger, rdb redis.UniversalClient, hub *Hub, prefix string) (*RedisBackplane, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackplane{
		rdb:    rdb,
		hub:    hub,
		log:    log,
		prefix: prefix,
		ready:  make(chan struct{}),
	}, nil
}

// Publish sends msg to the room channel.
func (b *RedisBackplane) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return OpError{Op: "realtime.RedisBackplane.Publish", Kind: ErrInvalidMessage, Room: msg.Room, Err: err}
	}

	err = b.rdb.Publish(ctx, roomChannel(b.prefix, msg.Room), data).Err()
	publishesTotal.WithLabelValues("redis", resultLabel(err)).Inc()
	if err != nil {
		return storeUnavailable("realtime.RedisBackplane.Publish", msg.Room, err)
	}
	return nil
}

// Ready is closed once Run has an active subscription.
func (b *RedisBackplane) Ready() <-chan struct{} { return b.ready }

// Run subscribes to every room channel and delivers received messages to the
// local hub until ctx is done.
func (b *RedisBackplane) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, roomChannelPattern(b.prefix))
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so Ready means "no message can be missed from here on".
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("backplane subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("backplane.subscribed", "pattern", roomChannelPattern(b.prefix))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := b.decode(m.Channel, m.Payload)
			if err != nil {
				b.log.Warn("backplane.message.malformed", "channel", m.Channel, "err", err)
				continue
			}
			b.hub.Deliver(msg)
		}
	}
}

func (b *RedisBackplane) decode(channel, payload string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return Message{}, err
	}
	if msg.ID < 0 {
		return Message{}, fmt.Errorf("negative id %d", msg.ID)
	}
	if roomChannel(b.prefix, msg.Room) != channel {
		return Message{}, fmt.Errorf("room %q does not match channel", msg.Room)
	}
	return msg, nil
}
