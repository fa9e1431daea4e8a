package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"mediarender/internal/render"
)

// AssetReadyEvent is published on the asset channel.
type AssetReadyEvent struct {
	EntityID string      `json:"entityId"`
	Kind     render.Kind `json:"kind"`
	URL      string      `json:"url"`
	At       time.Time   `json:"at"`
}

// RedisPublisher publishes AssetReadyEvent JSON to a pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	now     func() time.Time
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, now: time.Now}
}

func (p *RedisPublisher) NotifyAssetReady(ctx context.Context, entityID string, kind render.Kind, url string) error {
	b, err := json.Marshal(AssetReadyEvent{EntityID: entityID, Kind: kind, URL: url, At: p.now().UTC()})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, b).Err()
}
