package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/model"
)

// Memory is an in-memory Store used when no DATABASE_URL is set. A single mutex makes every
// method one atomic unit, which is what the assignment write path relies on.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]model.Job
	drivers     map[string]model.Driver
	performance map[string]float64
	affinity    map[affinityKey]float64
	assignments map[string]model.Assignment
	byJob       map[string][]string // job id -> assignment ids in creation order
	events      []model.AssignmentEvent
	subs        map[string][]model.Subscription // tenant -> subscriptions
	deliveries  map[string]*memDelivery
	deliveryIDs []string
}

type affinityKey struct{ driver, customer string }

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttempt  time.Time
	ResponseCode int
	LatencyMs    int
	DeliveredAt  *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        map[string]model.Job{},
		drivers:     map[string]model.Driver{},
		performance: map[string]float64{},
		affinity:    map[affinityKey]float64{},
		assignments: map[string]model.Assignment{},
		byJob:       map[string][]string{},
		subs:        map[string][]model.Subscription{},
		deliveries:  map[string]*memDelivery{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// Seeding

func (m *Memory) UpsertDriver(ctx context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Status == "" {
		d.Status = model.DriverActive
	}
	for i := range d.Shifts {
		d.Shifts[i].DriverID = d.ID
		if d.Shifts[i].ID == "" {
			d.Shifts[i].ID = uuid.New().String()
		}
	}
	d.Shifts = slices.Clone(d.Shifts)
	m.drivers[d.ID] = d
	return nil
}

func (m *Memory) UpsertJob(ctx context.Context, j model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if prev, ok := m.jobs[j.ID]; ok {
		j.ProvisionalDriverID = prev.ProvisionalDriverID
		j.ConfirmedDriverID = prev.ConfirmedDriverID
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) SetDriverPerformance(ctx context.Context, driverID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance[driverID] = score
	return nil
}

func (m *Memory) SetCustomerAffinity(ctx context.Context, driverID, customerID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.affinity[affinityKey{driverID, customerID}] = score
	return nil
}

// Jobs & drivers

func (m *Memory) GetJob(ctx context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, model.NotFound("job", id)
	}
	return j, nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, model.NotFound("driver", id)
	}
	d.Shifts = slices.Clone(d.Shifts)
	return d, nil
}

func (m *Memory) FindEligible(ctx context.Context, q model.EligibilityQuery) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Driver{}
	for _, id := range m.sortedDriverIDs() {
		d := m.drivers[id]
		if d.Status != model.DriverActive {
			continue
		}
		if q.MinCapacity > 0 && d.VehicleCapacity < q.MinCapacity {
			continue
		}
		covered := false
		for _, s := range d.Shifts {
			if s.Active && s.Window().Covers(q.Window) {
				covered = true
				break
			}
		}
		if !covered || m.committedLocked(id, q.Window) {
			continue
		}
		d.Shifts = slices.Clone(d.Shifts)
		out = append(out, d)
	}
	return out, nil
}

// committedLocked reports whether the driver holds CONFIRMED work, or completed a job, scheduled inside w.
func (m *Memory) committedLocked(driverID string, w model.TimeWindow) bool {
	for _, a := range m.assignments {
		if a.DriverID != driverID {
			continue
		}
		j, ok := m.jobs[a.JobID]
		if !ok || !w.Contains(j.ScheduledAt) {
			continue
		}
		if a.Status == model.StatusConfirmed || (j.Status == model.JobCompleted && j.ConfirmedDriverID == driverID) {
			return true
		}
	}
	return false
}

func (m *Memory) ShiftsOverlapping(ctx context.Context, w model.TimeWindow) ([]model.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Shift{}
	for _, id := range m.sortedDriverIDs() {
		d := m.drivers[id]
		if d.Status != model.DriverActive {
			continue
		}
		for _, s := range d.Shifts {
			if s.Active && s.Window().Overlaps(w) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (m *Memory) sortedDriverIDs() []string {
	ids := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// History

func (m *Memory) DriverPerformance(ctx context.Context, driverID string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.performance[driverID]
	return v, ok, nil
}

func (m *Memory) CustomerAffinity(ctx context.Context, driverID, customerID string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.affinity[affinityKey{driverID, customerID}]
	return v, ok, nil
}

// Assignments

func (m *Memory) Reserve(ctx context.Context, req model.ReserveRequest) (model.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return model.Assignment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[req.JobID]
	if !ok {
		return model.Assignment{}, model.NotFound("job", req.JobID)
	}
	if _, ok := m.drivers[req.DriverID]; !ok {
		return model.Assignment{}, model.NotFound("driver", req.DriverID)
	}

	round := 0
	var stale *model.Assignment
	for _, id := range m.byJob[req.JobID] {
		a := m.assignments[id]
		round = max(round, a.Round)
		if a.Status == model.StatusConfirmed || a.Status == model.StatusInvited {
			cur := a
			stale = &cur
		}
	}
	reason := model.ReasonExpired
	if stale != nil {
		switch {
		case stale.Status == model.StatusConfirmed:
			return model.Assignment{}, &model.ConflictError{JobID: req.JobID, DriverID: req.DriverID, Reason: model.ConflictJobReserved}
		case stale.Active(req.Now) && !req.Supersede:
			return model.Assignment{}, &model.ConflictError{JobID: req.JobID, DriverID: req.DriverID, Reason: model.ConflictJobReserved}
		case stale.Active(req.Now):
			reason = model.ReasonSuperseded
		}
	}
	if m.busyLocked(req.DriverID, job, req.Now) {
		return model.Assignment{}, &model.ConflictError{JobID: req.JobID, DriverID: req.DriverID, Reason: model.ConflictDriverBusy}
	}

	if stale != nil {
		m.setStatusLocked(*stale, model.StatusExpired, reason, req.Now)
	}
	a := model.Assignment{
		ID:        uuid.New().String(),
		JobID:     req.JobID,
		DriverID:  req.DriverID,
		Status:    model.StatusInvited,
		Round:     round + 1,
		CreatedAt: req.Now,
		ExpiresAt: req.Now.Add(req.TTL),
		UpdatedAt: req.Now,
	}
	m.assignments[a.ID] = a
	m.byJob[a.JobID] = append(m.byJob[a.JobID], a.ID)
	m.appendEventLocked(a, model.StatusNone, model.StatusInvited, model.ReasonOffered, req.Now)
	job.ProvisionalDriverID = a.DriverID
	m.jobs[job.ID] = job
	return a, nil
}

// busyLocked reports whether the driver holds another active assignment whose job falls in job's window.
func (m *Memory) busyLocked(driverID string, job model.Job, now time.Time) bool {
	w := job.Window()
	for _, a := range m.assignments {
		if a.DriverID != driverID || a.JobID == job.ID || !a.Active(now) {
			continue
		}
		if other, ok := m.jobs[a.JobID]; ok && w.Contains(other.ScheduledAt) {
			return true
		}
	}
	return false
}

func (m *Memory) Transition(ctx context.Context, req model.TransitionRequest) (model.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return model.Assignment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[req.AssignmentID]
	if !ok {
		return model.Assignment{}, model.NotFound("assignment", req.AssignmentID)
	}
	if err := checkTransition(a, req); err != nil {
		return a, err
	}
	return m.setStatusLocked(a, req.To, req.Reason, req.Now), nil
}

// setStatusLocked writes the new status, its event and the job side effects.
func (m *Memory) setStatusLocked(a model.Assignment, to model.AssignmentStatus, reason string, now time.Time) model.Assignment {
	from := a.Status
	a.Status = to
	a.UpdatedAt = now
	m.assignments[a.ID] = a
	m.appendEventLocked(a, from, to, reason, now)
	if j, ok := m.jobs[a.JobID]; ok {
		switch to {
		case model.StatusConfirmed:
			j.ConfirmedDriverID = a.DriverID
			j.ProvisionalDriverID = a.DriverID
			j.Status = model.JobConfirmed
		case model.StatusDeclined, model.StatusExpired:
			if j.ProvisionalDriverID == a.DriverID {
				j.ProvisionalDriverID = ""
			}
		}
		m.jobs[j.ID] = j
	}
	return a
}

func (m *Memory) appendEventLocked(a model.Assignment, from, to model.AssignmentStatus, reason string, now time.Time) {
	m.events = append(m.events, model.AssignmentEvent{
		ID:           uuid.New().String(),
		AssignmentID: a.ID,
		JobID:        a.JobID,
		DriverID:     a.DriverID,
		From:         from,
		To:           to,
		Reason:       reason,
		At:           now,
	})
}

func (m *Memory) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return model.Assignment{}, model.NotFound("assignment", id)
	}
	return a, nil
}

func (m *Memory) CurrentForJob(ctx context.Context, jobID string) (model.Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byJob[jobID]
	for i := len(ids) - 1; i >= 0; i-- {
		a := m.assignments[ids[i]]
		if a.Status == model.StatusInvited || a.Status == model.StatusConfirmed {
			return a, true, nil
		}
	}
	return model.Assignment{}, false, nil
}

func (m *Memory) ListForJob(ctx context.Context, jobID string) ([]model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Assignment, 0, len(m.byJob[jobID]))
	for _, id := range m.byJob[jobID] {
		out = append(out, m.assignments[id])
	}
	return out, nil
}

func (m *Memory) ListEvents(ctx context.Context, jobID string) ([]model.AssignmentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.AssignmentEvent{}
	for _, e := range m.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ExpireDue(ctx context.Context, now time.Time, limit int) ([]model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := []model.Assignment{}
	for _, a := range m.assignments {
		if a.Overdue(now) {
			due = append(due, a)
		}
	}
	slices.SortFunc(due, func(a, b model.Assignment) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i, a := range due {
		due[i] = m.setStatusLocked(a, model.StatusExpired, model.ReasonExpired, now)
	}
	return due, nil
}

func (m *Memory) CommittedInWindow(ctx context.Context, w model.TimeWindow) ([]model.CommittedWork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.CommittedWork{}
	for _, a := range m.assignments {
		if a.Status != model.StatusConfirmed {
			continue
		}
		j, ok := m.jobs[a.JobID]
		if !ok || !w.Contains(j.ScheduledAt) {
			continue
		}
		out = append(out, model.CommittedWork{Assignment: a, Job: j})
	}
	slices.SortFunc(out, func(a, b model.CommittedWork) int { return strings.Compare(a.Assignment.ID, b.Assignment.ID) })
	return out, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		if slices.Contains(s.Events, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := min(start+limit, len(list))
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	found := false
	for _, s := range arr {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return model.NotFound("subscription", id)
	}
	m.subs[tenantID] = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttempt:     time.Now(),
	}
	m.deliveryIDs = append(m.deliveryIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttempt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return model.NotFound("delivery", id)
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttempt = *nextAttemptAt
	} else {
		d.NextAttempt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return model.NotFound("delivery", id)
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d.TenantID != tenantID || (status != "" && d.Status != status) {
			continue
		}
		item := d.WebhookDelivery
		if d.Status == DeliveryPending || d.Status == DeliveryRetry {
			next := d.NextAttempt
			item.NextAttemptAt = &next
		}
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
