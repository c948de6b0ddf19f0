// Package events hands billing facts to the external collaborators that
// notify patients and capture payments.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/db"
)

const (
	InvoiceIssued    = "invoice.issued"
	PaymentRequested = "payment.requested"
	InvoicePaid      = "invoice.paid"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
}

// Envelope is the message body on the wire.
type Envelope struct {
	Type       string    `json:"type"`
	Tenant     string    `json:"tenant"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

func encode(ctx context.Context, routingKey string, data any) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:       routingKey,
		Tenant:     db.TenantFromContext(ctx),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
}

type AMQPPublisher struct {
	conn     *amqp091.Connection
	mu       sync.Mutex
	ch       *amqp091.Channel
	exchange string
}

// DialAMQP connects and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	body, err := encode(ctx, routingKey, data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp091.Table{
			"message_type": "JSON",
			"tenant":       db.TenantFromContext(ctx),
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Healthy reports whether the underlying connection is still open.
func (p *AMQPPublisher) Healthy() bool {
	return !p.conn.IsClosed()
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

// LogPublisher only logs. It is used when no broker is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	body, err := encode(ctx, routingKey, data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}
	p.Log.Info().Str("routing_key", routingKey).RawJSON("event", body).Msg("event not published, no broker configured")
	return nil
}
