package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/model"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.msgs == nil {
		f.msgs = map[string][][]byte{}
	}
	f.msgs[subj] = append(f.msgs[subj], data)
	return nil
}

var offer = model.Assignment{ID: "a1", JobID: "j1", DriverID: "d1", Status: model.StatusInvited, Round: 1,
	CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), ExpiresAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}

func TestNATSSubjects(t *testing.T) {
	fc := &fakeConn{}
	n := &NATS{Conn: fc, Prefix: "ops"}
	require.NoError(t, n.AssignmentOffered(context.Background(), offer))

	require.Len(t, fc.msgs["ops.driver.d1.offers"], 1)
	require.Len(t, fc.msgs["ops.job.j1.assignment"], 1)
	var got Notification
	require.NoError(t, json.Unmarshal(fc.msgs["ops.driver.d1.offers"][0], &got))
	assert.Equal(t, model.EventAssignmentOffered, got.Type)
	assert.Equal(t, "a1", got.Assignment.ID)
	assert.Equal(t, 1800, got.ExpiresInSeconds)

	confirmed := offer
	confirmed.Status = model.StatusConfirmed
	require.NoError(t, n.AssignmentUpdated(context.Background(), confirmed, model.ReasonAccepted))
	assert.Len(t, fc.msgs["ops.job.j1.assignment"], 2)
	assert.Len(t, fc.msgs["ops.driver.d1.offers"], 1)
}

func TestNATSCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := &NATS{Conn: &fakeConn{}}
	assert.ErrorIs(t, n.AssignmentOffered(ctx, offer), context.Canceled)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &NATS{Conn: &fakeConn{}}
	bad := &NATS{Conn: &fakeConn{err: errors.New("down")}}
	err := Multi{ok, Nop{}, bad}.AssignmentUpdated(context.Background(), offer, model.ReasonExpired)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.Conn.(*fakeConn).msgs["fleetopt.job.j1.assignment"], 1)
}
