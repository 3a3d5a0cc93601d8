package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/bioreactor-core/internal/automation"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Filter narrows list queries. Zero fields match everything.
type Filter struct {
	Unit  string
	Job   string
	Kind  automation.EventKind // job events only
	Since time.Time
	Limit int
	// Offset is used by ListEvents only.
	Offset int
}

func (f Filter) clamped() Filter {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// where builds the WHERE clause shared by all tables. Kind is only
// applied when the table has a kind column.
func (f Filter) where(withJob, withKind bool) (string, []any) {
	var conds []string
	var args []any
	if f.Unit != "" {
		conds = append(conds, "unit = ?")
		args = append(args, f.Unit)
	}
	if withJob && f.Job != "" {
		conds = append(conds, "job = ?")
		args = append(args, f.Job)
	}
	if withKind && f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// EventPage is a page of job events, most recent first.
type EventPage struct {
	Events []automation.JobEvent `json:"events"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// Repository stores history rows in SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository returns a repository over a migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertTransition stores a lifecycle transition.
func (r *Repository) InsertTransition(ctx context.Context, t automation.Transition) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_transitions (experiment, unit, job, from_state, to_state, reason, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Experiment, t.Unit, t.Job, string(t.From), string(t.To),
		nullableString(t.Reason), formatTime(t.Timestamp))
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	return nil
}

// InsertOutput stores a control output.
func (r *Repository) InsertOutput(ctx context.Context, o automation.ControlOutput) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO control_outputs (experiment, unit, job, value, safe, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.Experiment, o.Unit, o.Job, o.Value, o.Safe, formatTime(o.Timestamp))
	if err != nil {
		return fmt.Errorf("inserting control output: %w", err)
	}
	return nil
}

// InsertFilteredState stores an estimator output.
func (r *Repository) InsertFilteredState(ctx context.Context, s automation.FilteredState) error {
	cov, err := json.Marshal(s.Covariance)
	if err != nil {
		return fmt.Errorf("marshalling covariance: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO filtered_states (experiment, unit, od, growth_rate, covariance, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.Experiment, s.Unit, s.OD, s.GrowthRate, string(cov), formatTime(s.Timestamp))
	if err != nil {
		return fmt.Errorf("inserting filtered state: %w", err)
	}
	return nil
}

// InsertEvent stores a job event. An empty ID is generated.
func (r *Repository) InsertEvent(ctx context.Context, e automation.JobEvent) error {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()[:8]
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_events (id, experiment, unit, job, kind, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Experiment, e.Unit, e.Job, string(e.Kind), e.Detail, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("inserting job event: %w", err)
	}
	return nil
}

// ListEvents returns job events matching the filter, most recent first.
func (r *Repository) ListEvents(ctx context.Context, filter Filter) (*EventPage, error) {
	filter = filter.clamped()
	where, args := filter.where(true, true)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_events"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting job events: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, experiment, unit, job, kind, detail, occurred_at FROM job_events`+where+
			` ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying job events: %w", err)
	}
	defer rows.Close()

	page := &EventPage{Events: []automation.JobEvent{}, Total: total, Limit: filter.Limit, Offset: filter.Offset}
	for rows.Next() {
		var e automation.JobEvent
		var kind, at string
		if err := rows.Scan(&e.ID, &e.Experiment, &e.Unit, &e.Job, &kind, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scanning job event: %w", err)
		}
		e.Kind = automation.EventKind(kind)
		e.Timestamp = parseTime(at)
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job events: %w", err)
	}
	return page, nil
}

// ListTransitions returns lifecycle transitions, most recent first.
func (r *Repository) ListTransitions(ctx context.Context, filter Filter) ([]automation.Transition, error) {
	filter = filter.clamped()
	where, args := filter.where(true, false)

	rows, err := r.db.QueryContext(ctx,
		`SELECT experiment, unit, job, from_state, to_state, COALESCE(reason, ''), occurred_at
		 FROM job_transitions`+where+` ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		append(args, filter.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	out := []automation.Transition{}
	for rows.Next() {
		var t automation.Transition
		var from, to, at string
		if err := rows.Scan(&t.Experiment, &t.Unit, &t.Job, &from, &to, &t.Reason, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.From, t.To = automation.State(from), automation.State(to)
		t.Timestamp = parseTime(at)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return out, nil
}

// ListOutputs returns control outputs, most recent first.
func (r *Repository) ListOutputs(ctx context.Context, filter Filter) ([]automation.ControlOutput, error) {
	filter = filter.clamped()
	where, args := filter.where(true, false)

	rows, err := r.db.QueryContext(ctx,
		`SELECT experiment, unit, job, value, safe, occurred_at
		 FROM control_outputs`+where+` ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		append(args, filter.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying control outputs: %w", err)
	}
	defer rows.Close()

	out := []automation.ControlOutput{}
	for rows.Next() {
		var o automation.ControlOutput
		var at string
		if err := rows.Scan(&o.Experiment, &o.Unit, &o.Job, &o.Value, &o.Safe, &at); err != nil {
			return nil, fmt.Errorf("scanning control output: %w", err)
		}
		o.Timestamp = parseTime(at)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating control outputs: %w", err)
	}
	return out, nil
}

// ListFilteredStates returns estimator outputs, most recent first.
func (r *Repository) ListFilteredStates(ctx context.Context, filter Filter) ([]automation.FilteredState, error) {
	filter = filter.clamped()
	where, args := filter.where(false, false)

	rows, err := r.db.QueryContext(ctx,
		`SELECT experiment, unit, od, growth_rate, covariance, occurred_at
		 FROM filtered_states`+where+` ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		append(args, filter.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying filtered states: %w", err)
	}
	defer rows.Close()

	out := []automation.FilteredState{}
	for rows.Next() {
		var s automation.FilteredState
		var cov, at string
		if err := rows.Scan(&s.Experiment, &s.Unit, &s.OD, &s.GrowthRate, &cov, &at); err != nil {
			return nil, fmt.Errorf("scanning filtered state: %w", err)
		}
		if err := json.Unmarshal([]byte(cov), &s.Covariance); err != nil {
			return nil, fmt.Errorf("decoding covariance: %w", err)
		}
		s.Timestamp = parseTime(at)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating filtered states: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s) //nolint:errcheck // written by formatTime
	return t
}

// nullableString maps "" to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
