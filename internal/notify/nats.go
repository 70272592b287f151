package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"fleetopt/internal/model"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes offers on <prefix>.driver.<id>.offers and every change on <prefix>.job.<id>.assignment.
type NATS struct {
	Conn   Publisher
	Prefix string
}

// ConnectNATS dials url and returns a sink plus a close func.
func ConnectNATS(url, prefix string) (*NATS, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("fleetopt"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATS{Conn: nc, Prefix: prefix}, func() { _ = nc.Drain() }, nil
}

func (n *NATS) prefix() string {
	if n.Prefix == "" {
		return "fleetopt"
	}
	return n.Prefix
}

// DriverSubject is where a driver's offers are published.
func (n *NATS) DriverSubject(driverID string) string {
	return n.prefix() + ".driver." + driverID + ".offers"
}

// JobSubject is where every change to a job's assignment is published.
func (n *NATS) JobSubject(jobID string) string {
	return n.prefix() + ".job." + jobID + ".assignment"
}

func (n *NATS) AssignmentOffered(ctx context.Context, a model.Assignment) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(Offered(a))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := n.Conn.Publish(n.DriverSubject(a.DriverID), data); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return n.Conn.Publish(n.JobSubject(a.JobID), data)
}

func (n *NATS) AssignmentUpdated(ctx context.Context, a model.Assignment, reason string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(Updated(a, reason))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return n.Conn.Publish(n.JobSubject(a.JobID), data)
}
