// Package redisbus shares session updates between collabd instances over
// redis pub/sub. Every instance relays what it receives into its local
// websocket hub, including its own publications.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

const channelPrefix = "collab:session:"

func Channel(sessionID string) string { return channelPrefix + sessionID }

type Broadcaster interface {
	Broadcast(sessionID string, u domain.Update)
}

type Bus struct {
	rdb   *redis.Client
	local Broadcaster
	log   *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func New(rdb *redis.Client, local Broadcaster, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		rdb:   rdb,
		local: local,
		log:   log.With("component", "redisbus"),
		ready: make(chan struct{}),
	}
}

// Dial parses a redis:// URL or a plain host:port.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		var err error
		if opts, err = redis.ParseURL(addr); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: addr, Password: password, DB: db}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (b *Bus) Publish(ctx context.Context, sessionID string, u domain.Update) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel(sessionID), raw).Err()
}

// Ready is closed once Run is subscribed.
func (b *Bus) Ready() <-chan struct{} { return b.ready }

// Run relays every session channel into the local hub until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("relaying session updates", "pattern", channelPrefix+"*")

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			sessionID := strings.TrimPrefix(m.Channel, channelPrefix)
			u, err := domain.ParseUpdate([]byte(m.Payload))
			if err != nil {
				b.log.Warn("dropping malformed relay message", "channel", m.Channel, "err", err)
				continue
			}
			b.local.Broadcast(sessionID, u)
		}
	}
}
