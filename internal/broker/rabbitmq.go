// Package broker publishes operator-facing sync events (inventory
// discrepancies, dead letters) to RabbitMQ. The sync path never depends on
// the broker being up: events are best-effort decoration over state that is
// already durable in the branch databases.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pdvlabs/branchsync/internal/models"
	"github.com/pdvlabs/branchsync/pkg/metrics"
)

// Exchange is the topic exchange all sync events flow through. Manager
// tooling binds queues with keys like branch.*.discrepancy.
const Exchange = "pos.sync.events"

// Client handles the low-level communication with the message broker.
type Client struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewClient connects, declares the topic exchange, and enables publisher
// confirms so an accepted event is actually on disk at the broker.
func NewClient(url string, l *slog.Logger) (*Client, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	client.conn.NotifyClose(client.connClosed)
	client.channel.NotifyClose(client.chanClosed)

	go func() {
		select {
		case err := <-client.connClosed:
			client.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-client.chanClosed:
			client.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-client.ctx.Done():
			return
		}
	}()

	l.Info("Connected to RabbitMQ, event publishing enabled", "exchange", Exchange)
	return client, nil
}

// PublishDiscrepancy emits an inventory discrepancy for manager review.
func (c *Client) PublishDiscrepancy(ctx context.Context, ev models.DiscrepancyEvent) error {
	key := fmt.Sprintf("branch.%s.discrepancy", ev.BranchID)
	return c.Publish(ctx, key, ev)
}

// PublishDeadLetter emits a terminally failed envelope notification.
func (c *Client) PublishDeadLetter(ctx context.Context, env models.TransactionEnvelope, reason string) error {
	key := fmt.Sprintf("branch.%s.deadletter", env.BranchID)
	return c.Publish(ctx, key, map[string]any{
		"envelopeId": env.ID,
		"branchId":   env.BranchID,
		"type":       env.Type,
		"reason":     reason,
	})
}

// Publish sends a payload to the exchange and blocks until the broker
// confirms persistence (ACK/NACK).
func (c *Client) Publish(ctx context.Context, routingKey string, payload any) error {
	if !c.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	deferred, err := c.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		c.logger.Error("failed to publish event to exchange", "routing_key", routingKey, "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: event not persisted")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// IsHealthy returns true if the connection and channel are active.
func (c *Client) IsHealthy() bool {
	return c.healthy.Load()
}

// Close gracefully shuts down the RabbitMQ resources.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("Terminating RabbitMQ client")
		c.cancel()
		if c.channel != nil {
			c.channel.Close()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return nil
}
