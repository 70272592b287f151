package api

import (
	"context"
	"sync"

	"fleetopt/internal/model"
	"fleetopt/internal/notify"
)

// EventBroker fans notifications out to websocket clients, keyed by driver id.
type EventBroker interface {
	Subscribe(driverID string) chan notify.Notification
	Unsubscribe(driverID string, ch chan notify.Notification)
	Publish(ctx context.Context, driverID string, evt notify.Notification) error
}

// Broker is the single-process EventBroker. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan notify.Notification]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan notify.Notification]struct{}{}}
}

func (b *Broker) Subscribe(driverID string) chan notify.Notification {
	ch := make(chan notify.Notification, 8)
	b.mu.Lock()
	if b.subs[driverID] == nil {
		b.subs[driverID] = map[chan notify.Notification]struct{}{}
	}
	b.subs[driverID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(driverID string, ch chan notify.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[driverID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, driverID)
	}
	close(ch)
}

func (b *Broker) Publish(_ context.Context, driverID string, evt notify.Notification) error {
	b.mu.Lock()
	for ch := range b.subs[driverID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// BrokerSink forwards lifecycle changes to the driver's live stream.
type BrokerSink struct{ Broker EventBroker }

func (s BrokerSink) AssignmentOffered(ctx context.Context, a model.Assignment) error {
	return s.Broker.Publish(ctx, a.DriverID, notify.Offered(a))
}

func (s BrokerSink) AssignmentUpdated(ctx context.Context, a model.Assignment, reason string) error {
	return s.Broker.Publish(ctx, a.DriverID, notify.Updated(a, reason))
}
