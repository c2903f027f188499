package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// channel is the part of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPNotifier publishes messages to a durable topic exchange.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  channel
	reopen   func() (channel, error)
	exchange string
	declared bool
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPNotifier dials the broker with a bounded timeout.
func NewAMQPNotifier(amqpURL, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	n := newAMQPNotifier(ch, exchange, logger)
	n.conn = conn
	n.reopen = func() (channel, error) { return conn.Channel() }
	return n, nil
}

func newAMQPNotifier(ch channel, exchange string, logger *slog.Logger) *AMQPNotifier {
	return &AMQPNotifier{
		channel:  ch,
		exchange: exchange,
		logger:   logger.With("component", "notify", "exchange", exchange),
	}
}

func (n *AMQPNotifier) NotifyBuyer(ctx context.Context, buyerID, subject string, fields map[string]string) {
	n.publish(ctx, RoutingBuyer, Message{Kind: "buyer", Recipient: buyerID, Subject: subject, Fields: fields})
}

func (n *AMQPNotifier) NotifyAdministrator(ctx context.Context, subject string, fields map[string]string) {
	n.publish(ctx, RoutingAdmin, Message{Kind: "admin", Subject: subject, Fields: fields})
}

func (n *AMQPNotifier) Welcome(ctx context.Context, recipientID, productName string) {
	n.publish(ctx, RoutingWelcome, Message{
		Kind:      "welcome",
		Recipient: recipientID,
		Subject:   "Welcome to " + productName,
		Fields:    map[string]string{"product": productName},
	})
}

func (n *AMQPNotifier) publish(ctx context.Context, routingKey string, msg Message) {
	msg.Timestamp = time.Now()
	if err := n.Publish(ctx, routingKey, msg); err != nil {
		n.logger.WarnContext(ctx, "publish failed", "routing_key", routingKey, "subject", msg.Subject, "error", err)
	}
}

// Publish sends body as JSON. On failure the channel is reopened once and the
// publish retried.
func (n *AMQPNotifier) Publish(ctx context.Context, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.send(ctx, routingKey, jsonBody)
	if err == nil || n.reopen == nil {
		return err
	}

	n.logger.WarnContext(ctx, "publish failed; reopening channel", "routing_key", routingKey, "error", err)
	ch, chErr := n.reopen()
	if chErr != nil {
		return chErr
	}
	n.channel.Close()
	n.channel = ch
	n.declared = false
	return n.send(ctx, routingKey, jsonBody)
}

func (n *AMQPNotifier) send(ctx context.Context, routingKey string, body []byte) error {
	if !n.declared {
		if err := n.channel.ExchangeDeclare(
			n.exchange, // name
			"topic",    // type
			true,       // durable
			false,      // autoDelete
			false,      // internal
			false,      // noWait
			nil,        // args
		); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		n.declared = true
	}

	return n.channel.PublishWithContext(ctx,
		n.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close closes the channel and connection.
func (n *AMQPNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}
