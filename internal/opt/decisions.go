package opt

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/model"
)

// Decision is one engine outcome kept for audit and explainability.
type Decision struct {
	ID         string              `json:"id"`
	Op         string              `json:"op"`
	JobID      string              `json:"jobId,omitempty"`
	DriverID   string              `json:"driverId,omitempty"`
	Outcome    string              `json:"outcome"`
	Score      float64             `json:"score,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	Candidates int                 `json:"candidates"`
	Scores     []model.DriverScore `json:"scores,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	At         time.Time           `json:"at"`
	DurationMs int64               `json:"durationMs"`
}

// DecisionLog is a bounded ring of recent decisions.
type DecisionLog struct {
	mu   sync.Mutex
	buf  []Decision
	next int
	full bool
}

func NewDecisionLog(size int) *DecisionLog {
	if size <= 0 {
		size = 500
	}
	return &DecisionLog{buf: make([]Decision, size)}
}

func (l *DecisionLog) Record(d Decision) {
	if l == nil {
		return
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	l.mu.Lock()
	l.buf[l.next] = d
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// List returns up to limit decisions newest first, optionally for one job.
func (l *DecisionLog) List(jobID string, limit int) []Decision {
	out := []Decision{}
	if l == nil {
		return out
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	for i := 0; i < n; i++ {
		d := l.buf[(l.next-1-i+len(l.buf))%len(l.buf)]
		if jobID != "" && d.JobID != jobID {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
