package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// ErrAbort stops the consumer when wrapped by a handler error. Run returns
// the handler's error.
var ErrAbort = errors.New("batch consumer aborted")

// Disposition is the acknowledgment applied to a message after its batch
// was handled
type Disposition int

// Message dispositions. Requeue is the default for messages the handler
// did not settle.
const (
	Requeue Disposition = iota
	Ack
	Nack
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "Ack"
	case Nack:
		return "Nack"
	default:
		return "Requeue"
	}
}

// State is the lifecycle state of a Consumer
type State int32

// Consumer states
const (
	StateIdle State = iota
	StateConnected
	StateConsuming
	StateFlushing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnected:
		return "Connected"
	case StateConsuming:
		return "Consuming"
	case StateFlushing:
		return "Flushing"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MqMessage is a decoded message together with its delivery
type MqMessage struct {
	DeliveryTag uint64
	Message     domain.Message
	delivery    amqp.Delivery
}

// DispositionSetter records how each message of the current batch is settled
type DispositionSetter interface {
	SetDisposition(msg *MqMessage, d Disposition) error
}

// Handler processes one batch. It may settle messages through set; any
// message left unsettled is requeued.
type Handler func(ctx context.Context, msgs []*MqMessage, set DispositionSetter) error

// Subscription is an open stream of deliveries
type Subscription interface {
	Deliveries() <-chan amqp.Delivery
	Close() error
}

// Source opens subscriptions on the consumed queue. Subscribe is expected to
// retry an unreachable broker with a bounded policy and fail afterwards.
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Options configures a Consumer
type Options struct {
	Name        string
	BatchSize   int
	Timeout     time.Duration
	Concurrency int
}

type entry struct {
	msg         *MqMessage
	disposition *Disposition
}

// Consumer buffers deliveries and hands them to a Handler in batches, either
// when BatchSize messages are buffered or when Timeout elapses after the
// last insert.
type Consumer struct {
	source Source
	opts   Options
	logger *slog.Logger
	state  atomic.Int32

	mu       sync.Mutex
	buffer   []*entry
	index    map[*MqMessage]*entry
	timer    *time.Timer
	gen      uint64
	runCtx   context.Context
	cancel   context.CancelFunc
	abortErr error
}

// NewConsumer creates a batch consumer
func NewConsumer(source Source, opts Options, logger *slog.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	return &Consumer{
		source: source,
		opts:   opts,
		logger: logger.With(slog.String("consumer", opts.Name)),
		index:  make(map[*MqMessage]*entry),
	}
}

// State returns the current lifecycle state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run consumes until ctx is canceled (returns nil), the source fails to
// subscribe (returns that error) or a handler aborts (returns the handler
// error). A subscription that closes unexpectedly is reopened; its buffered
// messages are dropped and will be redelivered by the broker.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	defer c.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			c.logger.Info("Batch consumer stopped")
			return nil
		}

		sub, err := c.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		c.setState(StateConnected)

		closedUnexpectedly := c.consume(ctx, sub, handler)

		if err := sub.Close(); err != nil {
			c.logger.Warn("Failed to close subscription", slog.Any("error", err))
		}

		c.mu.Lock()
		abortErr := c.abortErr
		c.mu.Unlock()

		if abortErr != nil {
			c.logger.Error("Batch consumer aborted", slog.Any("error", abortErr))
			return abortErr
		}
		if !closedUnexpectedly {
			c.logger.Info("Batch consumer stopped")
			return nil
		}
		c.logger.Warn("Delivery channel closed, reconnecting")
	}
}

// consume runs the delivery goroutines for one subscription and reports
// whether it ended because the delivery channel closed.
func (c *Consumer) consume(ctx context.Context, sub Subscription, handler Handler) bool {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.gen++
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConsuming)

	var (
		wg     sync.WaitGroup
		closed atomic.Bool
	)
	deliveries := sub.Deliveries()
	for i := 0; i < c.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						closed.Store(true)
						cancel()
						return
					}
					c.insert(runCtx, d, handler)
				}
			}
		}()
	}
	wg.Wait()

	// waits for a timer flush in progress
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	if len(c.buffer) > 0 {
		c.logger.Info("Dropping unflushed messages", slog.Int("count", len(c.buffer)))
	}
	c.clearLocked()

	return closed.Load() && ctx.Err() == nil && c.abortErr == nil
}

func (c *Consumer) insert(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg, err := domain.DecodeMessage(d.Body)
	if err != nil {
		c.logger.Error("Rejecting undecodable message",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		// the subscription is closing; the broker redelivers the message
		return
	}

	e := &entry{msg: &MqMessage{DeliveryTag: d.DeliveryTag, Message: msg, delivery: d}}
	c.buffer = append(c.buffer, e)
	c.index[e.msg] = e
	c.logger.Debug("Added message to buffer",
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.String("job_id", msg.JobID.String()),
	)

	if len(c.buffer) >= c.opts.BatchSize {
		c.flushLocked(ctx, handler)
		return
	}

	c.resetTimerLocked(handler)
}

func (c *Consumer) resetTimerLocked(handler Handler) {
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.opts.Timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.gen || len(c.buffer) == 0 || c.runCtx.Err() != nil {
			return
		}
		c.logger.Debug("Batch timeout reached: flushing", slog.Int("count", len(c.buffer)))
		c.flushLocked(c.runCtx, handler)
	})
}

// flushLocked hands the buffer to the handler, settles every message and
// clears the buffer. The caller holds c.mu.
func (c *Consumer) flushLocked(ctx context.Context, handler Handler) {
	c.setState(StateFlushing)
	defer c.setState(StateConsuming)

	msgs := make([]*MqMessage, len(c.buffer))
	for i, e := range c.buffer {
		msgs[i] = e.msg
	}

	c.logger.Debug("Processing batch", slog.Int("count", len(msgs)))
	start := time.Now()

	err := c.runHandler(ctx, handler, msgs)
	if err != nil {
		c.logger.Error("Error during batch processing", slog.Any("error", err))
	}

	c.settleLocked()
	c.logger.Debug("Batch processed",
		slog.Int("count", len(msgs)),
		slog.Duration("duration", time.Since(start)),
	)
	c.clearLocked()

	if errors.Is(err, ErrAbort) {
		c.abortErr = err
		c.cancel()
	}
}

func (c *Consumer) runHandler(ctx context.Context, handler Handler, msgs []*MqMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panicked: %v", r)
		}
	}()
	return handler(ctx, msgs, (*setter)(c))
}

func (c *Consumer) settleLocked() {
	counts := map[Disposition]int{}
	unset := 0

	for _, e := range c.buffer {
		d := Requeue
		if e.disposition != nil {
			d = *e.disposition
		} else {
			unset++
		}
		counts[d]++

		var err error
		switch d {
		case Ack:
			err = e.msg.delivery.Ack(false)
		case Nack:
			err = e.msg.delivery.Nack(false, false)
		default:
			err = e.msg.delivery.Nack(false, true)
		}
		if err != nil {
			c.logger.Error("Failed to settle message",
				slog.Uint64("delivery_tag", e.msg.DeliveryTag),
				slog.String("disposition", d.String()),
				slog.Any("error", err),
			)
		}
	}

	if unset > 0 {
		c.logger.Warn("Handler did not settle every message, defaulting to Requeue",
			slog.Int("unsettled", unset),
			slog.Int("count", len(c.buffer)),
		)
	}
	c.logger.Info("Acknowledged messages",
		slog.Int("ack", counts[Ack]),
		slog.Int("nack", counts[Nack]),
		slog.Int("requeue", counts[Requeue]),
	)
}

func (c *Consumer) clearLocked() {
	c.buffer = nil
	clear(c.index)
}

// setter is the DispositionSetter view of a Consumer during a flush. It is
// only used while c.mu is held by the flushing goroutine.
type setter Consumer

func (s *setter) SetDisposition(msg *MqMessage, d Disposition) error {
	e, ok := s.index[msg]
	if !ok {
		return fmt.Errorf("cannot set disposition: message %d not in buffer", msg.DeliveryTag)
	}
	e.disposition = &d
	return nil
}
