package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetopt/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies embedded migrations in name order, recording each in schema_migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	slices.Sort(names)
	for _, name := range names {
		var done bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&done); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if done {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Seeding

func (p *Postgres) UpsertDriver(ctx context.Context, d model.Driver) error {
	if d.Status == "" {
		d.Status = model.DriverActive
	}
	if d.RateMultiplier == 0 {
		d.RateMultiplier = 1
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO drivers (id, name, status, base_address, base_postcode, base_lat, base_lng, skills, vehicle_id, vehicle_capacity, rate_multiplier)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, status=EXCLUDED.status, base_address=EXCLUDED.base_address,
            base_postcode=EXCLUDED.base_postcode, base_lat=EXCLUDED.base_lat, base_lng=EXCLUDED.base_lng, skills=EXCLUDED.skills,
            vehicle_id=EXCLUDED.vehicle_id, vehicle_capacity=EXCLUDED.vehicle_capacity, rate_multiplier=EXCLUDED.rate_multiplier, updated_at=now()`,
		d.ID, d.Name, string(d.Status), d.Base.Address, d.Base.Postcode, d.Base.Lat, d.Base.Lng, jsonList(d.Skills), d.VehicleID, d.VehicleCapacity, d.RateMultiplier)
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM driver_shifts WHERE driver_id=$1`, d.ID); err != nil {
		return err
	}
	for _, s := range d.Shifts {
		id := s.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO driver_shifts (id, driver_id, start_time, end_time, is_active) VALUES ($1,$2,$3,$4,$5)`,
			id, d.ID, s.Start, s.End, s.Active); err != nil {
			return fmt.Errorf("insert shift for %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) UpsertJob(ctx context.Context, j model.Job) error {
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.Priority == "" {
		j.Priority = model.PriorityStandard
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs (id, customer_id, pickup_address, pickup_postcode, pickup_lat, pickup_lng,
            dropoff_address, dropoff_postcode, dropoff_lat, dropoff_lng, scheduled_at, priority, item_count, required_skills,
            required_capacity, equipment, estimated_minutes, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
        ON CONFLICT (id) DO UPDATE SET customer_id=EXCLUDED.customer_id, pickup_address=EXCLUDED.pickup_address,
            pickup_postcode=EXCLUDED.pickup_postcode, pickup_lat=EXCLUDED.pickup_lat, pickup_lng=EXCLUDED.pickup_lng,
            dropoff_address=EXCLUDED.dropoff_address, dropoff_postcode=EXCLUDED.dropoff_postcode, dropoff_lat=EXCLUDED.dropoff_lat,
            dropoff_lng=EXCLUDED.dropoff_lng, scheduled_at=EXCLUDED.scheduled_at, priority=EXCLUDED.priority,
            item_count=EXCLUDED.item_count, required_skills=EXCLUDED.required_skills, required_capacity=EXCLUDED.required_capacity,
            equipment=EXCLUDED.equipment, estimated_minutes=EXCLUDED.estimated_minutes, status=EXCLUDED.status, updated_at=now()`,
		j.ID, j.CustomerID, j.Pickup.Address, j.Pickup.Postcode, j.Pickup.Lat, j.Pickup.Lng,
		j.Dropoff.Address, j.Dropoff.Postcode, j.Dropoff.Lat, j.Dropoff.Lng, j.ScheduledAt, string(j.Priority), j.ItemCount,
		jsonList(j.RequiredSkills), j.RequiredCapacity, jsonList(j.Equipment), j.EstimatedMinutes, string(j.Status))
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	return nil
}

func (p *Postgres) SetDriverPerformance(ctx context.Context, driverID string, score float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET performance=$2, updated_at=now() WHERE id=$1`, driverID, score)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("driver", driverID)
	}
	return nil
}

func (p *Postgres) SetCustomerAffinity(ctx context.Context, driverID, customerID string, score float64) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO customer_affinity (driver_id, customer_id, score) VALUES ($1,$2,$3)
        ON CONFLICT (driver_id, customer_id) DO UPDATE SET score=EXCLUDED.score`, driverID, customerID, score)
	return err
}

// Jobs & drivers

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (model.Job, error) {
	var j model.Job
	var priority, status string
	var skills, equipment []byte
	err := row.Scan(&j.ID, &j.CustomerID, &j.Pickup.Address, &j.Pickup.Postcode, &j.Pickup.Lat, &j.Pickup.Lng,
		&j.Dropoff.Address, &j.Dropoff.Postcode, &j.Dropoff.Lat, &j.Dropoff.Lng, &j.ScheduledAt, &priority, &j.ItemCount,
		&skills, &j.RequiredCapacity, &equipment, &j.EstimatedMinutes, &status, &j.ProvisionalDriverID, &j.ConfirmedDriverID)
	if err != nil {
		return j, err
	}
	j.Priority = model.Priority(priority)
	j.Status = model.JobStatus(status)
	if j.RequiredSkills, err = parseList("job "+j.ID+" required_skills", skills); err != nil {
		return j, err
	}
	j.Equipment, err = parseList("job "+j.ID+" equipment", equipment)
	return j, err
}

func (p *Postgres) GetJob(ctx context.Context, id string) (model.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumnsFor("")+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.NotFound("job", id)
	}
	return j, err
}

const driverColumns = `d.id, d.name, d.status, d.base_address, d.base_postcode, d.base_lat, d.base_lng, d.skills, d.vehicle_id,
    d.vehicle_capacity, d.rate_multiplier`

func scanDriver(row scanner) (model.Driver, error) {
	var d model.Driver
	var status string
	var skills []byte
	err := row.Scan(&d.ID, &d.Name, &status, &d.Base.Address, &d.Base.Postcode, &d.Base.Lat, &d.Base.Lng, &skills,
		&d.VehicleID, &d.VehicleCapacity, &d.RateMultiplier)
	if err != nil {
		return d, err
	}
	d.Status = model.DriverStatus(status)
	d.Skills, err = parseList("driver "+d.ID+" skills", skills)
	return d, err
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers d WHERE d.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Driver{}, model.NotFound("driver", id)
	}
	if err != nil {
		return d, err
	}
	out := []model.Driver{d}
	if err := p.attachShifts(ctx, out); err != nil {
		return d, err
	}
	return out[0], nil
}

func (p *Postgres) FindEligible(ctx context.Context, q model.EligibilityQuery) ([]model.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers d
        WHERE d.status = 'active'
          AND ($3 = 0 OR d.vehicle_capacity >= $3)
          AND EXISTS (SELECT 1 FROM driver_shifts s
                      WHERE s.driver_id = d.id AND s.is_active AND s.start_time <= $1 AND s.end_time >= $2)
          AND NOT EXISTS (SELECT 1 FROM assignments a JOIN jobs j ON j.id = a.job_id
                          WHERE a.driver_id = d.id AND j.scheduled_at BETWEEN $1 AND $2
                            AND (a.status = 'CONFIRMED' OR (j.status = 'COMPLETED' AND j.confirmed_driver_id = d.id)))
        ORDER BY d.id`, q.Window.Start, q.Window.End, q.MinCapacity)
	if err != nil {
		return nil, fmt.Errorf("find eligible: %w", err)
	}
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, p.attachShifts(ctx, out)
}

func (p *Postgres) attachShifts(ctx context.Context, drivers []model.Driver) error {
	if len(drivers) == 0 {
		return nil
	}
	ids := make([]string, len(drivers))
	idx := make(map[string]int, len(drivers))
	for i, d := range drivers {
		ids[i] = d.ID
		idx[d.ID] = i
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, start_time, end_time, is_active FROM driver_shifts
        WHERE driver_id = ANY($1::text[]) ORDER BY driver_id, start_time`, ids)
	if err != nil {
		return fmt.Errorf("load shifts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s model.Shift
		if err := rows.Scan(&s.ID, &s.DriverID, &s.Start, &s.End, &s.Active); err != nil {
			return err
		}
		i := idx[s.DriverID]
		drivers[i].Shifts = append(drivers[i].Shifts, s)
	}
	return rows.Err()
}

func (p *Postgres) ShiftsOverlapping(ctx context.Context, w model.TimeWindow) ([]model.Shift, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT s.id, s.driver_id, s.start_time, s.end_time, s.is_active
        FROM driver_shifts s JOIN drivers d ON d.id = s.driver_id
        WHERE d.status = 'active' AND s.is_active AND s.start_time <= $2 AND s.end_time >= $1
        ORDER BY s.driver_id, s.start_time`, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("shifts overlapping: %w", err)
	}
	defer rows.Close()
	out := []model.Shift{}
	for rows.Next() {
		var s model.Shift
		if err := rows.Scan(&s.ID, &s.DriverID, &s.Start, &s.End, &s.Active); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// History

func (p *Postgres) DriverPerformance(ctx context.Context, driverID string) (float64, bool, error) {
	var v sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `SELECT performance FROM drivers WHERE id=$1`, driverID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return v.Float64, v.Valid, err
}

func (p *Postgres) CustomerAffinity(ctx context.Context, driverID, customerID string) (float64, bool, error) {
	var v float64
	err := p.db.QueryRowContext(ctx, `SELECT score FROM customer_affinity WHERE driver_id=$1 AND customer_id=$2`, driverID, customerID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return v, err == nil, err
}

// Assignments

const assignmentColumns = `id, job_id, driver_id, status, round, created_at, expires_at, updated_at`

func scanAssignment(row scanner) (model.Assignment, error) {
	var a model.Assignment
	var status string
	err := row.Scan(&a.ID, &a.JobID, &a.DriverID, &status, &a.Round, &a.CreatedAt, &a.ExpiresAt, &a.UpdatedAt)
	a.Status = model.AssignmentStatus(status)
	return a, err
}

// Reserve locks the job row, then the driver row, so concurrent reservations for either are serialized.
func (p *Postgres) Reserve(ctx context.Context, req model.ReserveRequest) (model.Assignment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Assignment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var scheduledAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT scheduled_at FROM jobs WHERE id=$1 FOR UPDATE`, req.JobID).Scan(&scheduledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, model.NotFound("job", req.JobID)
	}
	if err != nil {
		return model.Assignment{}, fmt.Errorf("lock job: %w", err)
	}

	stale, err := scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
        WHERE job_id=$1 AND status IN ('INVITED','CONFIRMED') FOR UPDATE`, req.JobID))
	hasStale := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, fmt.Errorf("load current assignment: %w", err)
	}
	reason := model.ReasonExpired
	if hasStale {
		switch {
		case stale.Status == model.StatusConfirmed:
			return model.Assignment{}, &model.ConflictError{JobID: req.JobID, DriverID: req.DriverID, Reason: model.ConflictJobReserved}
		case stale.Active(req.Now) && !req.Supersede:
			return model.Assignment{}, &model.ConflictError{JobID: req.JobID, DriverID: req.DriverID, Reason: model.ConflictJobReserved}
		case stale.Active(req.Now):
			reason = model.ReasonSuperseded
		}
	}

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM drivers WHERE id=$1 FOR UPDATE`, req.DriverID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, model.NotFound("driver", req.DriverID)
	}
	if err != nil {
		return model.Assignment{}, fmt.Errorf("lock driver: %w", err)
	}
	w := model.Around(scheduledAt, model.EligibilityBuffer)
	var busy bool
	err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM assignments a JOIN jobs j ON j.id = a.job_id
        WHERE a.driver_id=$1 AND a.job_id<>$2 AND j.scheduled_at BETWEEN $3 AND $4
          AND (a.status='CONFIRMED' OR (a.status='INVITED' AND a.expires_at > $5)))`,
		req.DriverID, req.JobID, w.Start, w.End, req.Now).Scan(&busy)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("driver conflict check: %w", err)
	}
	if busy {
		return model.Assignment{}, &model.ConflictError{JobID: req.JobID, DriverID: req.DriverID, Reason: model.ConflictDriverBusy}
	}

	if hasStale {
		if err := setStatusTx(ctx, tx, stale, model.StatusExpired, reason, req.Now); err != nil {
			return model.Assignment{}, err
		}
	}
	var round int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(round),0) FROM assignments WHERE job_id=$1`, req.JobID).Scan(&round); err != nil {
		return model.Assignment{}, err
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
	_, err = tx.ExecContext(ctx, `INSERT INTO assignments (`+assignmentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.JobID, a.DriverID, string(a.Status), a.Round, a.CreatedAt, a.ExpiresAt, a.UpdatedAt)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := insertEventTx(ctx, tx, a, model.StatusNone, model.StatusInvited, model.ReasonOffered, req.Now); err != nil {
		return model.Assignment{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET provisional_driver_id=$2, updated_at=$3 WHERE id=$1`, a.JobID, a.DriverID, req.Now); err != nil {
		return model.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Assignment{}, err
	}
	return a, nil
}

func (p *Postgres) Transition(ctx context.Context, req model.TransitionRequest) (model.Assignment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Assignment{}, err
	}
	defer func() { _ = tx.Rollback() }()
	a, err := scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=$1 FOR UPDATE`, req.AssignmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, model.NotFound("assignment", req.AssignmentID)
	}
	if err != nil {
		return model.Assignment{}, err
	}
	if err := checkTransition(a, req); err != nil {
		return a, err
	}
	if err := setStatusTx(ctx, tx, a, req.To, req.Reason, req.Now); err != nil {
		return model.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Assignment{}, err
	}
	a.Status = req.To
	a.UpdatedAt = req.Now
	return a, nil
}

// setStatusTx writes the status change, its event and the job side effects inside tx.
func setStatusTx(ctx context.Context, tx *sql.Tx, a model.Assignment, to model.AssignmentStatus, reason string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE assignments SET status=$2, updated_at=$3 WHERE id=$1`, a.ID, string(to), now); err != nil {
		return fmt.Errorf("update assignment %s: %w", a.ID, err)
	}
	if err := insertEventTx(ctx, tx, a, a.Status, to, reason, now); err != nil {
		return err
	}
	var err error
	switch to {
	case model.StatusConfirmed:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET confirmed_driver_id=$2, provisional_driver_id=$2, status='CONFIRMED', updated_at=$3 WHERE id=$1`, a.JobID, a.DriverID, now)
	case model.StatusDeclined, model.StatusExpired:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET provisional_driver_id=NULL, updated_at=$3 WHERE id=$1 AND provisional_driver_id=$2`, a.JobID, a.DriverID, now)
	}
	return err
}

func insertEventTx(ctx context.Context, tx *sql.Tx, a model.Assignment, from, to model.AssignmentStatus, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignment_events (id, assignment_id, job_id, driver_id, from_status, to_status, reason, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, uuid.New().String(), a.ID, a.JobID, a.DriverID, string(from), string(to), reason, now)
	if err != nil {
		return fmt.Errorf("insert assignment event: %w", err)
	}
	return nil
}

func (p *Postgres) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, model.NotFound("assignment", id)
	}
	return a, err
}

func (p *Postgres) CurrentForJob(ctx context.Context, jobID string) (model.Assignment, bool, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
        WHERE job_id=$1 AND status IN ('INVITED','CONFIRMED') ORDER BY round DESC LIMIT 1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Assignment{}, false, nil
	}
	if err != nil {
		return model.Assignment{}, false, err
	}
	return a, true, nil
}

func (p *Postgres) ListForJob(ctx context.Context, jobID string) ([]model.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE job_id=$1 ORDER BY round`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListEvents(ctx context.Context, jobID string) ([]model.AssignmentEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, assignment_id, job_id, driver_id, from_status, to_status, reason, created_at
        FROM assignment_events WHERE job_id=$1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AssignmentEvent{}
	for rows.Next() {
		var e model.AssignmentEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.AssignmentID, &e.JobID, &e.DriverID, &from, &to, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		e.From, e.To = model.AssignmentStatus(from), model.AssignmentStatus(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExpireDue skips rows locked by an in-flight accept so the sweep never waits on a driver's request.
func (p *Postgres) ExpireDue(ctx context.Context, now time.Time, limit int) ([]model.Assignment, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	rows, err := tx.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
        WHERE status='INVITED' AND expires_at <= $1 ORDER BY expires_at LIMIT $2 FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	due := []model.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, a := range due {
		if err := setStatusTx(ctx, tx, a, model.StatusExpired, model.ReasonExpired, now); err != nil {
			return nil, err
		}
		due[i].Status = model.StatusExpired
		due[i].UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (p *Postgres) CommittedInWindow(ctx context.Context, w model.TimeWindow) ([]model.CommittedWork, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT a.id, a.job_id, a.driver_id, a.status, a.round, a.created_at, a.expires_at, a.updated_at,
            `+jobColumnsFor("j.")+`
        FROM assignments a JOIN jobs j ON j.id = a.job_id
        WHERE a.status='CONFIRMED' AND j.scheduled_at BETWEEN $1 AND $2 ORDER BY a.id`, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("committed in window: %w", err)
	}
	defer rows.Close()
	out := []model.CommittedWork{}
	for rows.Next() {
		var cw model.CommittedWork
		var status, priority, jstatus string
		var skills, equipment []byte
		j := &cw.Job
		err := rows.Scan(&cw.Assignment.ID, &cw.Assignment.JobID, &cw.Assignment.DriverID, &status, &cw.Assignment.Round,
			&cw.Assignment.CreatedAt, &cw.Assignment.ExpiresAt, &cw.Assignment.UpdatedAt,
			&j.ID, &j.CustomerID, &j.Pickup.Address, &j.Pickup.Postcode, &j.Pickup.Lat, &j.Pickup.Lng,
			&j.Dropoff.Address, &j.Dropoff.Postcode, &j.Dropoff.Lat, &j.Dropoff.Lng, &j.ScheduledAt, &priority, &j.ItemCount,
			&skills, &j.RequiredCapacity, &equipment, &j.EstimatedMinutes, &jstatus, &j.ProvisionalDriverID, &j.ConfirmedDriverID)
		if err != nil {
			return nil, err
		}
		cw.Assignment.Status = model.AssignmentStatus(status)
		j.Priority, j.Status = model.Priority(priority), model.JobStatus(jstatus)
		if j.RequiredSkills, err = parseList("job "+j.ID+" required_skills", skills); err != nil {
			return nil, err
		}
		if j.Equipment, err = parseList("job "+j.ID+" equipment", equipment); err != nil {
			return nil, err
		}
		out = append(out, cw)
	}
	return out, rows.Err()
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		id, req.TenantID, req.URL, jsonList(req.Events), req.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	ev, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb ORDER BY id`, tenantID, string(ev))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows, tenantID)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND id > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out, err := scanSubscriptions(rows, tenantID)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func scanSubscriptions(rows *sql.Rows, tenantID string) ([]model.Subscription, error) {
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		var err error
		if s.Events, err = parseList("subscription "+s.ID+" events", ev); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("subscription", id)
	}
	return nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`,
		id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), string(payload), computeDedupKey(payload))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, COALESCE(subscription_id,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status string, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, COALESCE(subscription_id,''), event_type, url, status, attempts, next_attempt_at, COALESCE(last_error,'')
        FROM webhook_deliveries WHERE tenant_id=$1 AND ($2 = '' OR status=$2) ORDER BY created_at LIMIT $3`, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var next time.Time
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Status, &d.Attempts, &next, &d.LastError); err != nil {
			return nil, err
		}
		if d.Status == DeliveryPending || d.Status == DeliveryRetry {
			d.NextAttemptAt = &next
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// computeDedupKey prefers the event id so a re-emitted event is enqueued once per endpoint.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonList encodes a string slice for a jsonb column; nil becomes an empty array.
func jsonList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// parseList decodes a jsonb string array column. NULL and empty decode to nil.
func parseList(col string, data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("scan %s: %w", col, err)
	}
	return out, nil
}

var jobFields = []string{"id", "customer_id", "pickup_address", "pickup_postcode", "pickup_lat", "pickup_lng",
	"dropoff_address", "dropoff_postcode", "dropoff_lat", "dropoff_lng", "scheduled_at", "priority", "item_count",
	"required_skills", "required_capacity", "equipment", "estimated_minutes", "status", "provisional_driver_id", "confirmed_driver_id"}

// jobColumnsFor lists the job columns in scanJob order, qualified by alias.
func jobColumnsFor(alias string) string {
	cols := make([]string, len(jobFields))
	for i, f := range jobFields {
		col := alias + f
		if strings.HasSuffix(f, "_driver_id") {
			col = "COALESCE(" + col + ",'')"
		}
		cols[i] = col
	}
	return strings.Join(cols, ", ")
}
