package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrMaxRetriesExceeded is returned when the broker stays unreachable
	// after all connection attempts
	ErrMaxRetriesExceeded = errors.New("max connection retries exceeded")

	// ErrPublishCanceled is returned when a publish is abandoned because its
	// context was canceled
	ErrPublishCanceled = errors.New("publish canceled")
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeType       string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL returns the AMQP connection URL
func (c *Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.VHost,
	)
}

// Client is a RabbitMQ client that reconnects on demand. The publishing
// channel is shared and guarded by a mutex; consumers get their own channel.
type Client struct {
	config *Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// QueueInfo describes a queue as reported by the broker
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// NewClient creates a client. No connection is made until Connect or the
// first operation.
func NewClient(config *Config, logger *slog.Logger) *Client {
	if config.ExchangeType == "" {
		config.ExchangeType = amqp.ExchangeTopic
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect establishes the connection with bounded retry. It returns an error
// wrapping ErrMaxRetriesExceeded when every attempt fails, or the context
// error when canceled while waiting.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.openChannelLocked()
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	var err error
	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		c.logger.Info("Connecting to RabbitMQ",
			slog.String("host", c.config.Host),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.RetryAttempts),
		)

		var conn *amqp.Connection
		conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			c.conn = conn
			c.channel = nil
			c.logger.Info("Successfully connected to RabbitMQ")
			return c.openChannelLocked()
		}

		c.logger.Warn("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < c.config.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	return fmt.Errorf("%w: RabbitMQ unreachable after %d attempts: %v", ErrMaxRetriesExceeded, c.config.RetryAttempts, err)
}

func (c *Client) openChannelLocked() error {
	if c.channel != nil && !c.channel.IsClosed() {
		return nil
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	c.channel = ch
	return nil
}

// DeclareExchange declares a durable exchange of the configured type
func (c *Client) DeclareExchange(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	err := c.channel.ExchangeDeclare(
		name,                  // name
		c.config.ExchangeType, // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareAndBind declares the exchange and a durable queue, then binds the
// queue with routingKey. Declaring an existing queue is a no-op.
func (c *Client) DeclareAndBind(ctx context.Context, exchange, queue, routingKey string) error {
	if err := c.DeclareExchange(ctx, exchange); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	_, err := c.channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	err = c.channel.QueueBind(
		queue,      // queue name
		routingKey, // routing key
		exchange,   // exchange
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, exchange, err)
	}

	c.logger.Debug("Queue declared and bound",
		slog.String("exchange", exchange),
		slog.String("queue", queue),
		slog.String("routing_key", routingKey),
	)
	return nil
}

// Publish sends a persistent JSON message. Failures are retried with
// exponential backoff; an unreachable broker triggers a reconnect through
// the bounded connection policy. A canceled context aborts with
// ErrPublishCanceled and nothing is sent.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	maxRetries := c.config.PublishRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrPublishCanceled, ctx.Err())
		}

		lastErr = c.publishOnce(ctx, exchange, routingKey, body)
		if lastErr == nil {
			if attempt > 0 {
				c.logger.Info("Published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("exchange", exchange),
				)
			}
			return nil
		}
		if errors.Is(lastErr, ErrMaxRetriesExceeded) {
			return lastErr
		}

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrPublishCanceled, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	err := c.channel.PublishWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", exchange, err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// Subscription is an open consumer on a dedicated channel
type Subscription struct {
	deliveries <-chan amqp.Delivery
	channel    *amqp.Channel
	tag        string
}

// Deliveries returns the delivery stream. It is closed when the channel or
// connection closes.
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Close cancels the consumer and closes its channel
func (s *Subscription) Close() error {
	if s.channel.IsClosed() {
		return nil
	}
	if err := s.channel.Cancel(s.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to cancel consumer %s: %w", s.tag, err)
	}
	return s.channel.Close()
}

// Consume opens a manual-ack consumer on queue with the given prefetch.
// The connection is (re)established first.
func (c *Client) Consume(ctx context.Context, queue, consumerTag string, prefetch int) (*Subscription, error) {
	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	conn := c.conn
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch", prefetch),
	)

	return &Subscription{deliveries: deliveries, channel: ch, tag: consumerTag}, nil
}

// QueueInfo looks a queue up with a passive declare on a throwaway channel.
// The boolean is false when the queue does not exist.
func (c *Client) QueueInfo(ctx context.Context, queue string) (QueueInfo, bool, error) {
	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return QueueInfo{}, false, err
	}
	conn := c.conn
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return QueueInfo{}, false, fmt.Errorf("failed to create channel: %w", err)
	}
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
	}()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return QueueInfo{Name: queue}, false, nil
		}
		return QueueInfo{}, false, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}

	return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, true, nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing RabbitMQ connection")

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}
	c.channel = nil

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}
	c.conn = nil
	return nil
}

// IsUnreachable reports whether err means the broker could not be reached
// or the connection dropped, as opposed to a rejected operation.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMaxRetriesExceeded) || errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ConnectionForced || amqpErr.Code == amqp.FrameError || amqpErr.Recover
	}
	return false
}
