package notification

import (
	"context"
	"errors"

	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
)

// ErrNoChannel is returned when the publisher has nowhere to send events.
var ErrNoChannel = errors.New("notification channel not configured")

type pubSub interface {
	Publish(ctx context.Context, channel string, value interface{}) error
}

// RedisPublisher fans allocation events out on a Redis Pub/Sub channel.
// Delivery is best effort: subscribers that are offline miss the event.
type RedisPublisher struct {
	bus     pubSub
	channel string
}

// NewRedisPublisher creates a Pub/Sub backed publisher.
func NewRedisPublisher(c *cache.Cache, channel string) *RedisPublisher {
	return &RedisPublisher{bus: c, channel: channel}
}

func (p *RedisPublisher) CreditsAllocated(ctx context.Context, event CreditsAllocated) error {
	if p == nil || p.bus == nil {
		return nil
	}
	if p.channel == "" {
		return ErrNoChannel
	}

	event.Type = TypeCreditsAllocated
	return p.bus.Publish(ctx, p.channel, event)
}
