package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/esbmeter/esbmeter/pkg/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange   = "esbmeter.notifications"
	routingKeyCreate  = "esbmeter.notification.create"
	routingKeyDismiss = "esbmeter.notification.dismiss"
)

// publisher is the part of *amqp.Channel the dispatcher uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDispatcher publishes events to a topic exchange.
type AMQPDispatcher struct {
	conn     *amqp.Connection
	channel  publisher
	exchange string
	now      func() time.Time
}

var _ Dispatcher = (*AMQPDispatcher)(nil)

// DialAMQP connects to url and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	d := newAMQPDispatcher(ch, exchange)
	d.conn = conn
	return d, nil
}

func newAMQPDispatcher(ch publisher, exchange string) *AMQPDispatcher {
	return &AMQPDispatcher{channel: ch, exchange: exchange, now: time.Now}
}

func (d *AMQPDispatcher) Notify(ctx context.Context, n Notification) error {
	if n.Created.IsZero() {
		n.Created = d.now()
	}
	return d.publish(ctx, routingKeyCreate, Event{Type: EventCreate, ID: n.ID, Notification: &n, Sent: d.now()})
}

func (d *AMQPDispatcher) Dismiss(ctx context.Context, id string) error {
	return d.publish(ctx, routingKeyDismiss, Event{Type: EventDismiss, ID: id, Sent: d.now()})
}

func (d *AMQPDispatcher) publish(ctx context.Context, key string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = d.channel.PublishWithContext(
		ctx,
		d.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.Sent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "published notification event", slog.String("routingKey", key), slog.String("id", ev.ID))
	return nil
}

// Close closes the channel and connection.
func (d *AMQPDispatcher) Close() error {
	err := d.channel.Close()
	if d.conn != nil {
		if cerr := d.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
