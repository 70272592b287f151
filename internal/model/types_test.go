package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeWindow(t *testing.T) {
	base := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	shift := TimeWindow{Start: base, End: base.Add(10 * time.Hour)}

	t.Run("covers", func(t *testing.T) {
		assert.True(t, shift.Covers(Around(base.Add(4*time.Hour), EligibilityBuffer)))
		assert.False(t, shift.Covers(Around(base.Add(time.Hour), EligibilityBuffer)))
	})
	t.Run("clip", func(t *testing.T) {
		got, ok := shift.Clip(TimeWindow{Start: base.Add(8 * time.Hour), End: base.Add(20 * time.Hour)})
		assert.True(t, ok)
		assert.InDelta(t, 2.0, got.Hours(), 1e-9)
		_, ok = shift.Clip(TimeWindow{Start: base.Add(11 * time.Hour), End: base.Add(12 * time.Hour)})
		assert.False(t, ok)
	})
	t.Run("inverted window has no hours", func(t *testing.T) {
		assert.Zero(t, TimeWindow{Start: base, End: base.Add(-time.Hour)}.Hours())
	})
}

func TestAssignmentActive(t *testing.T) {
	now := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	a := Assignment{Status: StatusInvited, ExpiresAt: now.Add(time.Minute)}
	assert.True(t, a.Active(now))
	assert.False(t, a.Overdue(now))

	a.ExpiresAt = now
	assert.False(t, a.Active(now))
	assert.True(t, a.Overdue(now))

	a.Status = StatusConfirmed
	assert.True(t, a.Active(now.Add(time.Hour)))
	a.Status = StatusDeclined
	assert.False(t, a.Active(now))
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("load job: %w", NotFound("job", "j1"))
	assert.True(t, errors.Is(err, ErrNotFound))

	conflict := fmt.Errorf("reserve: %w", &ConflictError{JobID: "j1", DriverID: "d1", Reason: ConflictDriverBusy})
	assert.True(t, IsConflict(conflict, ConflictDriverBusy))
	assert.True(t, IsConflict(conflict, ""))
	assert.False(t, IsConflict(conflict, ConflictJobReserved))

	est := &EstimationUnavailableError{From: "a", To: "b", Err: errors.New("timeout")}
	assert.Contains(t, est.Error(), "timeout")
}

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 4, PriorityUrgent.Rank())
	assert.Equal(t, 2, Priority("").Rank())
	assert.False(t, Priority("CRITICAL").Valid())
}
