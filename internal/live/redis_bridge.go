package live

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// RedisFanout publishes live events on a Redis channel per showtime and
// relays everything published by any server instance to the local hub.
// Channel names are "<prefix>:<showtimeID>".
type RedisFanout struct {
	rdb    *redis.Client
	prefix string
	hub    *Hub
	log    zerolog.Logger
}

// NewRedisFanout wires rdb to hub.  Call Run to start relaying.
func NewRedisFanout(rdb *redis.Client, prefix string, hub *Hub) *RedisFanout {
	return &RedisFanout{rdb: rdb, prefix: prefix, hub: hub, log: logging.Component("redis_fanout")}
}

func (f *RedisFanout) channel(showtimeID uint64) string {
	return f.prefix + ":" + strconv.FormatUint(showtimeID, 10)
}

// Publish implements Publisher.
func (f *RedisFanout) Publish(ctx context.Context, showtimeID uint64, msg model.LiveMessage) error {
	msg.ShowtimeID = showtimeID
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal live message: %w", err)
	}
	if err := f.rdb.Publish(ctx, f.channel(showtimeID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to every showtime channel and forwards messages to the
// local hub until ctx is cancelled.
func (f *RedisFanout) Run(ctx context.Context) error {
	sub := f.rdb.PSubscribe(ctx, f.prefix+":*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	f.log.Info().Str("pattern", f.prefix+":*").Msg("relaying live events")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			showtimeID, ok := f.showtimeFromChannel(m.Channel)
			if !ok {
				f.log.Warn().Str("channel", m.Channel).Msg("unexpected channel")
				continue
			}
			f.hub.deliverRaw(showtimeID, []byte(m.Payload))
		}
	}
}

func (f *RedisFanout) showtimeFromChannel(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, f.prefix+":")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	return id, err == nil && id > 0
}
