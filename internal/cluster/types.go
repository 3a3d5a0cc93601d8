package cluster

import (
	"fmt"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
)

// Role is the coordination role of a unit.
type Role string

// Roles.
const (
	RoleLeader Role = "leader"
	RoleWorker Role = "worker"
)

// Presence payloads on a unit heartbeat topic. Lost is the connection's
// Last Will; Offline is published on graceful shutdown.
const (
	PresenceLost    = "lost"
	PresenceOffline = "offline"
)

// Member is one roster entry.
type Member struct {
	Unit          string    `json:"unit"`
	Enabled       bool      `json:"enabled"`
	Role          Role      `json:"role"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Active is Enabled with a heartbeat inside the liveness window.
	Active bool `json:"active"`
}

// MembershipCommand changes one unit's membership. It is the payload of
// {experiment}/cluster/membership; the leader also publishes the whole
// roster there, retained, as a JSON array of commands.
type MembershipCommand struct {
	Unit    string `json:"unit"`
	Enabled bool   `json:"enabled"`
	Role    Role   `json:"role,omitempty"`
	// IssuedBy is the unit that sent the command.
	IssuedBy  string    `json:"issued_by"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the command's fields.
func (c MembershipCommand) Validate() error {
	if !bus.IsLevel(c.Unit) {
		return fmt.Errorf("%w: unit %q", ErrInvalidCommand, c.Unit)
	}
	switch c.Role {
	case "", RoleWorker:
	case RoleLeader:
		if !c.Enabled {
			return fmt.Errorf("%w: leader %s must be enabled", ErrInvalidCommand, c.Unit)
		}
	default:
		return fmt.Errorf("%w: role %q", ErrInvalidCommand, c.Role)
	}
	return nil
}

// Heartbeat is the payload a unit publishes on its liveness topic.
type Heartbeat struct {
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a consistent view of the roster.
type Snapshot struct {
	Members      []Member  `json:"members"`
	Leader       string    `json:"leader,omitempty"`
	LeaderActive bool      `json:"leader_active"`
	At           time.Time `json:"at"`
}

// ActiveUnits returns the units currently counted in aggregates.
func (s Snapshot) ActiveUnits() []string {
	var out []string
	for _, m := range s.Members {
		if m.Active {
			out = append(out, m.Unit)
		}
	}
	return out
}

// Aggregate is the leader's cluster-wide summary of filtered state over
// active units.
type Aggregate struct {
	Experiment     string    `json:"experiment"`
	Leader         string    `json:"leader"`
	Units          []string  `json:"units"`
	MeanOD         float64   `json:"mean_od"`
	MeanGrowthRate float64   `json:"mean_growth_rate"`
	Timestamp      time.Time `json:"timestamp"`
}

// Observer is notified whenever membership, leadership or liveness
// changes.
type Observer interface {
	RosterChanged(Snapshot)
}

// Logger is the logging interface used by the cluster package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
