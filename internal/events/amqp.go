package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"FarmEscrow/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// AMQPPublisher publishes events to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger.With("component", "amqp_publisher")}, nil
}

func declare(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Type),
		Body:         body,
	}
	key := RoutingKey(ev)

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.WarnContext(ctx, "publish failed, reopening channel", "exchange", p.exchange, "routing_key", key, "err", err)

	// One retry on a fresh channel.
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	if exErr := declare(ch, p.exchange); exErr != nil {
		ch.Close()
		return errors.Join(err, exErr)
	}
	p.channel.Close()
	p.channel = ch
	return p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg)
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Fallback stands in for the broker when it is unreachable at startup. It
// warns on the first skipped event and logs the rest at debug level.
type Fallback struct {
	Logger *slog.Logger
	once   sync.Once
}

func (f *Fallback) Publish(ctx context.Context, ev models.Event) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "amqp_publisher", "mode", "fallback")
	warned := false
	f.once.Do(func() {
		warned = true
		logger.WarnContext(ctx, "broker unavailable, skipping event publication", "routing_key", RoutingKey(ev), "escrow_id", ev.EscrowID)
	})
	if !warned {
		logger.DebugContext(ctx, "publish skipped", "routing_key", RoutingKey(ev), "escrow_id", ev.EscrowID)
	}
	return nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	// Drop anything before the scheme, such as a pasted "AMQP_URL=" prefix.
	lower := strings.ToLower(clean)
	idx := strings.Index(lower, "amqp://")
	if i := strings.Index(lower, "amqps://"); i >= 0 && (idx < 0 || i < idx) {
		idx = i
	}
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
