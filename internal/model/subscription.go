package model

// Subscription registers a webhook endpoint for a tenant's events.
type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// Webhook event types.
const (
	EventAssignmentOffered = "assignment.offered"
	EventAssignmentUpdated = "assignment.updated"
)
