package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "bulkpipe.events"

// AMQPSink publishes each event to a topic exchange, routed by event type.
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPSink dials url and declares a durable topic exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
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
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	slog.Info("AMQPSink connected", "exchange", exchange)
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Send publishes e with its Type as routing key.
func (a *AMQPSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.Publish(
		a.exchange,
		string(e.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.Time,
			Type:         string(e.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (a *AMQPSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.Close(); err != nil {
		slog.Warn("AMQPSink.Close: failed to close channel", "error", err)
	}
	return a.conn.Close()
}

var _ Sink = (*AMQPSink)(nil)
