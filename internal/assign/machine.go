// Package assign owns the assignment lifecycle: offer, accept, decline and expiry.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/notify"
	"fleetopt/internal/store"
)

// ReleaseFunc is called after an offer is declined or expires, outside any lock.
type ReleaseFunc func(ctx context.Context, a model.Assignment)

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	NotifyTimeout time.Duration
	Sink          notify.Sink
	Logger        *slog.Logger
	Now           func() time.Time
}

// OfferOptions tune a single offer.
type OfferOptions struct {
	// Supersede replaces a pending offer. Dispatcher use only.
	Supersede bool
	TTL       time.Duration
}

// Machine is the only writer of assignments.
type Machine struct {
	repo  store.AssignmentRepository
	opts  Options
	locks keyedMutex

	mu        sync.RWMutex
	onRelease ReleaseFunc

	wg sync.WaitGroup
}

func New(repo store.AssignmentRepository, opts Options) *Machine {
	if opts.TTL <= 0 {
		opts.TTL = model.DefaultOfferTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.Sink == nil {
		opts.Sink = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{repo: repo, opts: opts}
}

// OnRelease installs the hook run after a decline or expiry.
func (m *Machine) OnRelease(fn ReleaseFunc) {
	m.mu.Lock()
	m.onRelease = fn
	m.mu.Unlock()
}

// Offer reserves the job for the driver and notifies them once the reservation is committed.
func (m *Machine) Offer(ctx context.Context, jobID, driverID string, o OfferOptions) (model.Assignment, error) {
	ttl := o.TTL
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	unlock := m.locks.Lock(jobID)
	a, err := m.repo.Reserve(ctx, model.ReserveRequest{
		JobID: jobID, DriverID: driverID, TTL: ttl, Now: m.opts.Now(), Supersede: o.Supersede,
	})
	unlock()
	if err != nil {
		return model.Assignment{}, err
	}
	metrics.AssignmentTransitions.WithLabelValues(string(model.StatusNone), string(model.StatusInvited)).Inc()
	m.opts.Logger.Info("assignment offered", "job", jobID, "driver", driverID, "assignment", a.ID, "round", a.Round, "expiresAt", a.ExpiresAt)
	m.async(ctx, "offered", func(ctx context.Context) error { return m.opts.Sink.AssignmentOffered(ctx, a) })
	return a, nil
}

// Accept confirms the offer for driverID. An overdue offer is expired and ErrOfferExpired returned.
func (m *Machine) Accept(ctx context.Context, assignmentID, driverID string) (model.Assignment, error) {
	return m.respond(ctx, assignmentID, driverID, model.StatusConfirmed, model.ReasonAccepted)
}

// Decline releases the offer for driverID.
func (m *Machine) Decline(ctx context.Context, assignmentID, driverID string) (model.Assignment, error) {
	return m.respond(ctx, assignmentID, driverID, model.StatusDeclined, model.ReasonDeclined)
}

func (m *Machine) respond(ctx context.Context, assignmentID, driverID string, to model.AssignmentStatus, reason string) (model.Assignment, error) {
	cur, err := m.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return model.Assignment{}, err
	}
	unlock := m.locks.Lock(cur.JobID)
	a, err := m.repo.Transition(ctx, model.TransitionRequest{
		AssignmentID: assignmentID, From: model.StatusInvited, To: to, Reason: reason, Now: m.opts.Now(), DriverID: driverID,
	})
	if errors.Is(err, model.ErrOfferExpired) {
		expired, xerr := m.expireLocked(ctx, cur)
		unlock()
		if xerr != nil {
			return model.Assignment{}, err
		}
		m.released(ctx, expired, model.ReasonExpired)
		return expired, err
	}
	unlock()
	if err != nil {
		return model.Assignment{}, err
	}
	metrics.AssignmentTransitions.WithLabelValues(string(model.StatusInvited), string(to)).Inc()
	m.opts.Logger.Info("assignment "+reason, "job", a.JobID, "driver", a.DriverID, "assignment", a.ID)
	if to == model.StatusDeclined {
		m.released(ctx, a, reason)
	} else {
		m.async(ctx, reason, func(ctx context.Context) error { return m.opts.Sink.AssignmentUpdated(ctx, a, reason) })
	}
	return a, nil
}

// Active returns the job's live assignment, expiring an overdue offer on the way.
func (m *Machine) Active(ctx context.Context, jobID string) (model.Assignment, bool, error) {
	a, ok, err := m.repo.CurrentForJob(ctx, jobID)
	if err != nil || !ok {
		return model.Assignment{}, false, err
	}
	if !a.Overdue(m.opts.Now()) {
		return a, true, nil
	}
	unlock := m.locks.Lock(jobID)
	expired, err := m.expireLocked(ctx, a)
	unlock()
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// someone else moved it first
			return m.Active(ctx, jobID)
		}
		return model.Assignment{}, false, err
	}
	m.released(ctx, expired, model.ReasonExpired)
	return model.Assignment{}, false, nil
}

func (m *Machine) expireLocked(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	out, err := m.repo.Transition(ctx, model.TransitionRequest{
		AssignmentID: a.ID, From: model.StatusInvited, To: model.StatusExpired, Reason: model.ReasonExpired, Now: m.opts.Now(),
	})
	if err != nil {
		return model.Assignment{}, err
	}
	metrics.AssignmentTransitions.WithLabelValues(string(model.StatusInvited), string(model.StatusExpired)).Inc()
	return out, nil
}

// Sweep expires every overdue offer and returns how many it moved.
func (m *Machine) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := m.repo.ExpireDue(ctx, m.opts.Now(), m.opts.SweepBatch)
		if err != nil {
			return total, fmt.Errorf("expire due offers: %w", err)
		}
		for _, a := range batch {
			metrics.AssignmentTransitions.WithLabelValues(string(model.StatusInvited), string(model.StatusExpired)).Inc()
			m.released(ctx, a, model.ReasonExpired)
		}
		total += len(batch)
		if len(batch) < m.opts.SweepBatch {
			return total, nil
		}
	}
}

// Run sweeps on every tick until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.opts.Logger.Warn("offer sweep failed", "err", err)
			} else if n > 0 {
				m.opts.Logger.Info("offers expired", "count", n)
			}
		}
	}
}

// Wait blocks until queued notifications and release hooks have finished.
func (m *Machine) Wait() { m.wg.Wait() }

func (m *Machine) released(ctx context.Context, a model.Assignment, reason string) {
	m.opts.Logger.Info("assignment released", "job", a.JobID, "driver", a.DriverID, "assignment", a.ID, "reason", reason)
	m.async(ctx, reason, func(ctx context.Context) error { return m.opts.Sink.AssignmentUpdated(ctx, a, reason) })

	m.mu.RLock()
	hook := m.onRelease
	m.mu.RUnlock()
	if hook == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		hook(context.WithoutCancel(ctx), a)
	}()
}

// async runs a notification off the request path. Failures are logged, never rolled back.
func (m *Machine) async(ctx context.Context, what string, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.NotifyTimeout)
		defer cancel()
		if err := fn(nctx); err != nil {
			m.opts.Logger.Warn("assignment notification failed", "event", what, "err", err)
		}
	}()
}
