// Package service holds the background work that runs beside the HTTP
// server: publishing hold activity to RabbitMQ and sweeping expired holds.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/queue"
)

// ActivityNotifier receives committed hold transitions.  Notify must not
// block the request path.
type ActivityNotifier interface {
	Notify(ev queue.SeatActivityEvent)
}

// NopNotifier discards events.  It is used when no broker is configured.
type NopNotifier struct{}

// Notify implements ActivityNotifier.
func (NopNotifier) Notify(queue.SeatActivityEvent) {}

// ActivityPublisher publishes SeatActivityEvents to durable RabbitMQ queues.
// The connection is dialled lazily and re-dialled after any failure; a
// broker outage only loses events, it never fails a hold request.
type ActivityPublisher struct {
	url     string
	timeout time.Duration
	log     zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewActivityPublisher returns a publisher for the broker at url.
func NewActivityPublisher(url string) *ActivityPublisher {
	return &ActivityPublisher{url: url, timeout: 5 * time.Second, log: logging.Component("activity_publisher")}
}

// Notify publishes ev in the background.  Failures are logged.
func (p *ActivityPublisher) Notify(ev queue.SeatActivityEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, ev); err != nil {
			p.log.Warn().Err(err).Str("kind", string(ev.Kind)).Uint64("showtime_id", ev.ShowtimeID).Msg("publish failed")
		}
	}()
}

// Publish sends ev synchronously, marked persistent, to the queue chosen by
// its routing key.
func (p *ActivityPublisher) Publish(ctx context.Context, ev queue.SeatActivityEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", ev.RoutingKey(), false, false, pub); err != nil {
		p.resetLocked()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// channelLocked returns an open channel, dialling and declaring both queues
// when needed.
func (p *ActivityPublisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	for _, name := range []string{queue.ActivityQueue, queue.ConfirmedQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("queue declare %s: %w", name, err)
		}
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *ActivityPublisher) resetLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// Close releases the broker connection.
func (p *ActivityPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}
