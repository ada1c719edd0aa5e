package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeyBuildCompleted is published when a corpus version is ready for
// training.
const RoutingKeyBuildCompleted = "corpus.build.completed"

// Notifier announces finished builds.
type Notifier interface {
	BuildCompleted(ctx context.Context, b *Build) error
}

// publisher is the subset of *amqp.Channel the notifier uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes builds as JSON on a topic exchange.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
}

// DialAMQP connects to RabbitMQ and declares the durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

// NewAMQPNotifier wraps an already configured channel.
func NewAMQPNotifier(ch publisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange}
}

func (n *AMQPNotifier) BuildCompleted(ctx context.Context, b *Build) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal build: %w", err)
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, RoutingKeyBuildCompleted, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    b.ID,
		Timestamp:    time.Now().UTC(),
		Type:         RoutingKeyBuildCompleted,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s for build %s: %w", RoutingKeyBuildCompleted, b.ID, err)
	}
	return nil
}

// Close closes the channel and connection opened by DialAMQP.
func (n *AMQPNotifier) Close() error {
	if c, ok := n.ch.(*amqp.Channel); ok {
		_ = c.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
