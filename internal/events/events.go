// Package events publishes job lifecycle notifications. Publishing is best
// effort: the job store is the source of truth and a lost event never
// changes a job's outcome.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Type string

const (
	JobEnqueued Type = "enqueued"
	JobDone     Type = "done"
	JobFailed   Type = "failed"
	JobRetry    Type = "retry"
	JobCanceled Type = "canceled"
)

type Event struct {
	Type       Type      `json:"type"`
	JobID      string    `json:"jobId"`
	Kind       string    `json:"kind,omitempty"`
	Requester  string    `json:"requester,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	WorkerID   string    `json:"workerId,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// RoutingKey is the topic the event is published under, e.g. job.done.
func (e Event) RoutingKey() string { return "job." + string(e.Type) }

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// redialBackoff spaces reconnect attempts while the broker is down.
const redialBackoff = 5 * time.Second

// AMQPPublisher publishes to a topic exchange. A connection or channel the
// broker closed is replaced on the next Publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     io.Closer
	ch       channel
	dial     func() (io.Closer, channel, error)
	nextDial time.Time
	exchange string
	logger   *slog.Logger
	closed   bool
}

var _ Publisher = (*AMQPPublisher)(nil)

// DialAMQP connects to the broker and declares a durable topic exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	dial := func() (io.Closer, channel, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to create channel: %w", err)
		}
		return conn, ch, nil
	}

	conn, ch, err := dial()
	if err != nil {
		return nil, err
	}
	p, err := newAMQPPublisher(conn, ch, exchange, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.dial = dial
	return p, nil
}

func newAMQPPublisher(conn io.Closer, ch channel, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Info("event publisher ready", slog.String("exchange", exchange))
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

func declareExchange(ch channel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher closed")
	}

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.redial(); err != nil {
			return err
		}
	}
	err = p.publish(ctx, evt, body)
	if errors.Is(err, amqp.ErrClosed) {
		if rerr := p.redial(); rerr != nil {
			return rerr
		}
		err = p.publish(ctx, evt, body)
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("event published",
		slog.String("routing_key", evt.RoutingKey()),
		slog.String("job_id", evt.JobID),
	)
	return nil
}

func (p *AMQPPublisher) publish(ctx context.Context, evt Event, body []byte) error {
	return p.ch.PublishWithContext(ctx,
		p.exchange,       // exchange
		evt.RoutingKey(), // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    evt.OccurredAt,
			MessageId:    evt.JobID + ":" + string(evt.Type),
		},
	)
}

// redial drops the current connection and dials a new one. Caller holds mu.
func (p *AMQPPublisher) redial() error {
	p.drop()
	if p.dial == nil {
		return errors.New("broker connection closed")
	}
	if now := time.Now(); now.Before(p.nextDial) {
		return fmt.Errorf("broker unavailable, next reconnect in %s", p.nextDial.Sub(now).Round(time.Second))
	}

	conn, ch, err := p.dial()
	if err == nil {
		if err = declareExchange(ch, p.exchange); err != nil {
			ch.Close()
			conn.Close()
		}
	}
	if err != nil {
		p.nextDial = time.Now().Add(redialBackoff)
		p.logger.Warn("event broker reconnect failed", slog.Any("error", err))
		return err
	}

	p.conn, p.ch = conn, ch
	p.nextDial = time.Time{}
	p.logger.Info("event broker reconnected", slog.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) drop() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Warn("failed to close channel", slog.Any("error", err))
		}
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// Emit publishes evt and logs instead of returning a failure.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil && logger != nil {
		logger.Warn("event not published",
			slog.String("type", string(evt.Type)),
			slog.String("job_id", evt.JobID),
			slog.Any("error", err),
		)
	}
}
