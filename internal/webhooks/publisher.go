package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/model"
	"fleetopt/internal/notify"
	"fleetopt/internal/store"
)

// Publisher queues event payloads for every matching subscription. It is a notify.Sink.
type Publisher struct {
	Store    store.WebhookStore
	TenantID string
}

func NewPublisher(s store.WebhookStore, tenantID string) *Publisher {
	return &Publisher{Store: s, TenantID: tenantID}
}

// Emit enqueues one delivery per subscription of the tenant to eventType.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) error {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		return fmt.Errorf("subscriptions for %s: %w", eventType, err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload := map[string]any{
		"id":       "evt_" + uuid.NewString(),
		"type":     eventType,
		"tenantId": tenantID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			return fmt.Errorf("enqueue webhook: %w", err)
		}
	}
	return nil
}

func (p *Publisher) AssignmentOffered(ctx context.Context, a model.Assignment) error {
	return p.Emit(ctx, p.TenantID, model.EventAssignmentOffered, notify.Offered(a))
}

func (p *Publisher) AssignmentUpdated(ctx context.Context, a model.Assignment, reason string) error {
	return p.Emit(ctx, p.TenantID, model.EventAssignmentUpdated, notify.Updated(a, reason))
}
