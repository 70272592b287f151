// Package store persists drivers, jobs, assignments and webhook deliveries.
// Memory backs tests and local runs; Postgres is used when DATABASE_URL is set.
package store

import (
	"context"
	"time"

	"fleetopt/internal/model"
)

// JobRepository reads jobs owned by the booking system.
type JobRepository interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
}

// DriverRepository reads the driver pool.
type DriverRepository interface {
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	// FindEligible returns active drivers with an active shift covering q.Window and no
	// CONFIRMED or COMPLETED work scheduled inside it, ordered by id. Shifts are populated.
	FindEligible(ctx context.Context, q model.EligibilityQuery) ([]model.Driver, error)
	// ShiftsOverlapping returns active shifts of active drivers that intersect w.
	ShiftsOverlapping(ctx context.Context, w model.TimeWindow) ([]model.Shift, error)
}

// HistoryRepository exposes reputation signals. ok is false when there is no history.
type HistoryRepository interface {
	DriverPerformance(ctx context.Context, driverID string) (score float64, ok bool, err error)
	CustomerAffinity(ctx context.Context, driverID, customerID string) (score float64, ok bool, err error)
}

// AssignmentRepository is written only by the assignment state machine.
type AssignmentRepository interface {
	// Reserve atomically creates an INVITED assignment. It returns *model.ConflictError when the
	// job already has an active assignment or the driver is busy in the same window. An overdue or
	// superseded offer is moved to EXPIRED in the same unit of work.
	Reserve(ctx context.Context, req model.ReserveRequest) (model.Assignment, error)
	// Transition applies a compare-and-set status change and its job side effects.
	Transition(ctx context.Context, req model.TransitionRequest) (model.Assignment, error)
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	// CurrentForJob returns the latest INVITED or CONFIRMED assignment without checking expiry.
	CurrentForJob(ctx context.Context, jobID string) (model.Assignment, bool, error)
	ListForJob(ctx context.Context, jobID string) ([]model.Assignment, error)
	ListEvents(ctx context.Context, jobID string) ([]model.AssignmentEvent, error)
	// ExpireDue moves up to limit overdue offers to EXPIRED and returns them.
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]model.Assignment, error)
	// CommittedInWindow returns confirmed work whose job is scheduled inside w.
	CommittedInWindow(ctx context.Context, w model.TimeWindow) ([]model.CommittedWork, error)
}

// WebhookStore holds subscriptions and the outbound delivery queue.
type WebhookStore interface {
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]WebhookDelivery, error)
}

// Seeder loads reference data from fixtures or an upstream booking feed.
type Seeder interface {
	UpsertDriver(ctx context.Context, d model.Driver) error
	UpsertJob(ctx context.Context, j model.Job) error
	SetDriverPerformance(ctx context.Context, driverID string, score float64) error
	SetCustomerAffinity(ctx context.Context, driverID, customerID string, score float64) error
}

// Store is everything the service needs from persistence.
type Store interface {
	JobRepository
	DriverRepository
	HistoryRepository
	AssignmentRepository
	WebhookStore
	Seeder
	Ping(ctx context.Context) error
	Close() error
}
