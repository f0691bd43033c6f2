package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"ridedispatch/internal/service"
)

const confirmTimeout = 5 * time.Second

var errClosed = errors.New("push: publisher is closed")

// Publisher hands notifications to the push delivery service through a
// RabbitMQ topic exchange, waiting for a broker confirm on every message.
type Publisher struct {
	url      string
	exchange string
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   bool
}

var _ service.Publisher = (*Publisher)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange, logger: logger}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish sends n with routing key push.<type>.
func (p *Publisher) Publish(ctx context.Context, n service.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("push: encode notification: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errClosed
	}
	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(n.Type), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("push: publish: %w", err)
	}

	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errors.New("push: channel closed before confirm")
		}
		if !c.Ack {
			return errors.New("push: publish not acknowledged")
		}
		return nil
	case <-ctx.Done():
		// The confirm stream is now out of step; start over on the next publish.
		p.resetLocked()
		return ctx.Err()
	}
}

// Close shuts the channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.resetLocked()
}

// RoutingKey maps a notification type to its routing key.
func RoutingKey(t service.NotificationType) string {
	return "push." + strings.ToLower(string(t))
}

func (p *Publisher) connectLocked() error {
	p.resetLocked()

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("push: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("push: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("push: declare exchange %s: %w", p.exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("push: enable confirms: %w", err)
	}

	p.conn = conn
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.logger.Infow("push publisher connected", "exchange", p.exchange)
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.confirms = nil
}
