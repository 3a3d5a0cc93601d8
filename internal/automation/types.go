package automation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Lifecycle states.
const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateSleeping     State = "sleeping"
	StateDisconnected State = "disconnected"
	StateLost         State = "lost"
	StateTerminated   State = "terminated"
)

// AllStates lists every lifecycle state in declaration order.
var AllStates = []State{
	StateInitializing, StateReady, StateSleeping,
	StateDisconnected, StateLost, StateTerminated,
}

// ParseState returns the state named by s.
func ParseState(s string) (State, error) {
	st := State(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range AllStates {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// Active reports whether a job in this state is running its loop.
func (s State) Active() bool {
	return s == StateReady || s == StateSleeping
}

// JobRecord is the identity and health of a job as published on its
// heartbeat topic.
type JobRecord struct {
	Experiment    string    `json:"experiment"`
	Unit          string    `json:"unit"`
	Job           string    `json:"job"`
	Kind          string    `json:"kind"`
	State         State     `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MissedTicks   int       `json:"missed_ticks"`
	Ticks         uint64    `json:"ticks"`
}

// ControlOutput is an actuator command.
type ControlOutput struct {
	Experiment string    `json:"experiment"`
	Unit       string    `json:"unit"`
	Job        string    `json:"job"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	// Safe marks outputs commanded by the framework on stop, sleep,
	// disconnect or loss.
	Safe bool `json:"safe,omitempty"`
}

// FilteredState is the growth-rate estimator output.
type FilteredState struct {
	Experiment string        `json:"experiment"`
	Unit       string        `json:"unit"`
	OD         float64       `json:"od"`
	GrowthRate float64       `json:"growth_rate"`
	Covariance [2][2]float64 `json:"covariance"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SensorSample is a timestamped reading from a sensor.
type SensorSample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseSensorSample decodes {"value": v, "timestamp": t}. A bare number is
// accepted too and stamped with now.
func ParseSensorSample(payload []byte, now time.Time) (SensorSample, error) {
	var s SensorSample
	if err := json.Unmarshal(payload, &s); err == nil {
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		return s, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return SensorSample{}, fmt.Errorf("invalid sensor sample %q", payload)
	}
	return SensorSample{Value: v, Timestamp: now}, nil
}

// DosingEvent announces liquid added to a unit.
type DosingEvent struct {
	Unit      string    `json:"unit"`
	Job       string    `json:"job"`
	VolumeML  float64   `json:"volume_ml"`
	Timestamp time.Time `json:"timestamp"`
}

// Transition records a lifecycle change.
type Transition struct {
	Experiment string    `json:"experiment"`
	Unit       string    `json:"unit"`
	Job        string    `json:"job"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventKind classifies a JobEvent.
type EventKind string

// Event kinds published on a job's events topic.
const (
	EventSettingRejected EventKind = "setting_rejected"
	EventSettingApplied  EventKind = "setting_applied"
	EventMissedTick      EventKind = "missed_tick"
	EventSampleRejected  EventKind = "sample_rejected"
	EventCommandRejected EventKind = "command_rejected"
)

// JobEvent is a rejected or missed event, or an accepted setting change.
type JobEvent struct {
	ID         string    `json:"id"`
	Experiment string    `json:"experiment"`
	Unit       string    `json:"unit"`
	Job        string    `json:"job"`
	Kind       EventKind `json:"kind"`
	Detail     string    `json:"detail"`
	Timestamp  time.Time `json:"timestamp"`
}
