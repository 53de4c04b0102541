// Package enqueuertest provides an in-memory broker for tests
package enqueuertest

import (
	"context"
	"sync"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// Published is a message captured by Broker
type Published struct {
	Exchange   string
	RoutingKey string
	Message    domain.Message
}

// Binding is a queue binding captured by Broker
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Broker records publishes and bindings. Set PublishErr or BindErr to make
// the calls fail.
type Broker struct {
	mu         sync.Mutex
	published  []Published
	bindings   []Binding
	PublishErr error
	BindErr    error
}

func (b *Broker) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	msg, err := domain.DecodeMessage(body)
	if err != nil {
		return err
	}
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: routingKey, Message: msg})
	return nil
}

func (b *Broker) DeclareAndBind(_ context.Context, exchange, queue, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BindErr != nil {
		return b.BindErr
	}
	b.bindings = append(b.bindings, Binding{Exchange: exchange, Queue: queue, RoutingKey: routingKey})
	return nil
}

// SetPublishErr changes the publish error while the broker is in use
func (b *Broker) SetPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PublishErr = err
}

// Published returns a copy of the captured messages
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo returns the captured messages sent to exchange
func (b *Broker) PublishedTo(exchange string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// Bindings returns a copy of the captured bindings
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}
