// Package queue contains the background consumer that listens to the seat
// activity queues and appends one line per event to an audit log.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/cinema-seat-live/internal/logging"
)

// AuditConsumer drains ActivityQueue and ConfirmedQueue into
// <LogDir>/seat-activity.log.
type AuditConsumer struct {
	URL    string
	LogDir string
}

// Run connects to RabbitMQ and consumes until ctx is cancelled, redialling
// with exponential backoff (1s doubling to 30s) whenever the broker goes
// away.  Processing errors reject the offending message without requeue so
// one bad payload cannot stall the queue.
func (a AuditConsumer) Run(ctx context.Context) error {
	log := logging.Component("audit_consumer")
	backoff := time.Second
	for {
		conn, err := amqp.Dial(a.URL)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("failed to dial broker")
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = a.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("consume loop ended; reconnecting")
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (a AuditConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	log := logging.Component("audit_consumer")
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn().Err(err).Msg("set QoS failed")
	}

	merged := make(chan amqp.Delivery)
	done := make(chan struct{})
	defer close(done)
	for _, name := range []string{ActivityQueue, ConfirmedQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
		msgs, err := ch.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", name, err)
		}
		go func(src <-chan amqp.Delivery) {
			for d := range src {
				select {
				case merged <- d:
				case <-done:
					return
				}
			}
		}(msgs)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("channel closed")
		case d := <-merged:
			if err := a.handle(d.Body); err != nil {
				log.Error().Err(err).Msg("handle message failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a AuditConsumer) handle(body []byte) error {
	var ev SeatActivityEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	dir := a.LogDir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "seat-activity.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(FormatActivity(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatActivity renders ev as a single audit log line.
func FormatActivity(ev SeatActivityEvent) string {
	ids := make([]string, len(ev.SeatIDs))
	for i, id := range ev.SeatIDs {
		ids[i] = strconv.FormatUint(id, 10)
	}
	line := fmt.Sprintf("[%s] seats %s | showtime_id=%d | session_id=%q | seats=[%s]",
		ev.OccurredAt.UTC().Format(time.RFC3339), ev.Kind, ev.ShowtimeID, ev.SessionID, strings.Join(ids, ","))
	if ev.Reason != "" {
		line += " | reason=" + ev.Reason
	}
	return line + "\n"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
