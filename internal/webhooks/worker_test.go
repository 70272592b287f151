package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

func TestWorkerDeliversSigned(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ms := store.NewMemory()
	ctx := context.Background()
	_, err := ms.EnqueueWebhook(ctx, "t1", "", model.EventAssignmentOffered, srv.URL, "secret", []byte(`{"id":"evt1"}`))
	require.NoError(t, err)

	w := NewWorker(ms, 3, nil)
	w.HTTP = srv.Client()
	w.processOnce(ctx)

	assert.Equal(t, model.EventAssignmentOffered, gotType)
	assert.True(t, VerifyHMAC("secret", gotBody, gotSig))
	delivered, err := ms.ListWebhookDeliveries(ctx, "t1", store.DeliveryDelivered, 10)
	require.NoError(t, err)
	assert.Len(t, delivered, 1)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ms := store.NewMemory()
	ctx := context.Background()
	_, _ = ms.EnqueueWebhook(ctx, "t1", "", model.EventAssignmentUpdated, srv.URL, "", []byte(`{}`))

	w := NewWorker(ms, 2, nil)
	w.HTTP = srv.Client()
	w.processOnce(ctx)

	retry, _ := ms.ListWebhookDeliveries(ctx, "t1", store.DeliveryRetry, 10)
	require.Len(t, retry, 1)
	assert.Equal(t, "status 500", retry[0].LastError)
	require.NotNil(t, retry[0].NextAttemptAt)
	assert.True(t, retry[0].NextAttemptAt.After(time.Now()))

	// not due yet
	w.processOnce(ctx)
	assert.Equal(t, int32(1), hits)

	w2 := NewWorker(ms, 1, nil)
	w2.HTTP = srv.Client()
	_, _ = ms.EnqueueWebhook(ctx, "t1", "", model.EventAssignmentUpdated, srv.URL, "", []byte(`{}`))
	w2.processOnce(ctx)
	failed, _ := ms.ListWebhookDeliveries(ctx, "t1", store.DeliveryFailed, 10)
	assert.Len(t, failed, 1)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(-1))
	assert.Equal(t, 8*time.Second, nextBackoff(3))
	assert.Equal(t, 1024*time.Second, nextBackoff(50))
}

func TestPublisherEnqueuesForSubscribers(t *testing.T) {
	ms := store.NewMemory()
	ctx := context.Background()
	_, err := ms.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "ops", URL: "http://hook", Events: []string{model.EventAssignmentOffered}})
	require.NoError(t, err)

	p := NewPublisher(ms, "ops")
	a := model.Assignment{ID: "a1", JobID: "j1", DriverID: "d1", Status: model.StatusInvited}
	require.NoError(t, p.AssignmentOffered(ctx, a))
	require.NoError(t, p.AssignmentUpdated(ctx, a, model.ReasonDeclined))

	due, err := ms.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "only the subscribed event is queued")
	var body map[string]any
	require.NoError(t, json.Unmarshal(due[0].Payload, &body))
	assert.Equal(t, model.EventAssignmentOffered, body["type"])
	assert.Equal(t, "ops", body["tenantId"])
}

func TestSignature(t *testing.T) {
	sig := SignHMAC("k", []byte("body"))
	assert.True(t, VerifyHMAC("k", []byte("body"), sig))
	assert.False(t, VerifyHMAC("k", []byte("other"), sig))
	assert.False(t, VerifyHMAC("k", []byte("body"), "zz"))
}
