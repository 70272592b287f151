package api

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"fleetopt/internal/notify"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so every replica sees every offer.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[chan notify.Notification]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "fleetopt"
	}
	return &RedisBroker{rdb: rdb, prefix: prefix, subs: map[chan notify.Notification]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(driverID string) chan notify.Notification {
	ch := make(chan notify.Notification, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(driverID))
	// wait for the subscription to be confirmed so no publish is missed
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt notify.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub connection; the reader goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(_ string, ch chan notify.Notification) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(ctx context.Context, driverID string, evt notify.Notification) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.chanName(driverID), data).Err()
}

func (b *RedisBroker) chanName(driverID string) string { return b.prefix + ":driver:" + driverID + ":offers" }
