package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const maxDialDelay = 60 * time.Second

// Publisher publishes envelopes to one exchange.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// DialOptions configure the broker connection.
type DialOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	confirms <-chan amqp091.Confirmation
	exchange string

	mu  sync.Mutex
	log *slog.Logger
}

// Dial connects with exponential backoff, declares a durable topic exchange and
// puts the publishing channel in confirm mode.
func Dial(ctx context.Context, opts DialOptions, log *slog.Logger) (Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "relay.amqp")

	conn, err := dialWithRetry(ctx, opts, log)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	return &rmqPublisher{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp091.Confirmation, 1)),
		exchange: opts.Exchange,
		log:      log,
	}, nil
}

func dialWithRetry(ctx context.Context, opts DialOptions, log *slog.Logger) (*amqp091.Connection, error) {
	attempts := max(opts.RetryAttempts, 1)
	delay := opts.Delay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info("AMQP broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := min(delay*time.Duration(math.Pow(2, float64(i-1))), maxDialDelay)
		log.Warn("AMQP dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("connect to AMQP broker after %d attempts: %w", attempts, lastErr)
}

// Publish sends one envelope and waits for the broker confirmation.
func (p *rmqPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         env.Meta.Producer,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return errors.New("amqp channel closed before confirmation")
		}
		if !confirm.Ack {
			return fmt.Errorf("broker rejected %s (delivery tag %d)", key, confirm.DeliveryTag)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	p.log.Debug("Published envelope", "key", key, "exchange", p.exchange, "id", env.Meta.ID)
	return nil
}

func (p *rmqPublisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}
