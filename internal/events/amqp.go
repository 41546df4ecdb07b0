package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Forwarder copies bus events to a RabbitMQ topic exchange using the event type
// as routing key.
type Forwarder struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	logger   *zerolog.Logger
}

// DialForwarder connects to RabbitMQ and declares a durable topic exchange.
func DialForwarder(url, exchange string, logger *zerolog.Logger) (*Forwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	f := newForwarder(ch, exchange, logger)
	f.conn = conn
	return f, nil
}

func newForwarder(ch channel, exchange string, logger *zerolog.Logger) *Forwarder {
	l := logger.With().Str("component", "amqp_forwarder").Logger()
	return &Forwarder{ch: ch, exchange: exchange, logger: &l}
}

// Attach subscribes the forwarder to every event on the bus.
func (f *Forwarder) Attach(bus *EventBus) {
	bus.SubscribeAll(f.Forward)
}

func (f *Forwarder) Forward(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := f.ch.PublishWithContext(ctx, f.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%d", event.ID),
		Timestamp:    event.CreatedAt,
		Type:         event.Type,
		Body:         event.Payload,
	})
	if err != nil {
		f.logger.Error().Err(err).Str("event_type", event.Type).Msg("forward event failed")
		return err
	}
	return nil
}

func (f *Forwarder) Close() error {
	if f.ch != nil {
		_ = f.ch.Close()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
