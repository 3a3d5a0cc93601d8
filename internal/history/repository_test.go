package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/database"
	"github.com/nerrad567/bioreactor-core/migrations"
)

var t0 = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewRepository(db.DB)
}

func TestMigrations_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "h.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("re-Migrate() error = %v", err)
	}
}

// ─── Job events ────────────────────────────────────────────────────

func TestRepository_Events(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepository(t)

	events := []automation.JobEvent{
		{Experiment: "exp1", Unit: "unit1", Job: "stirring", Kind: automation.EventSettingApplied, Detail: "target_rpm=400", Timestamp: t0},
		{Experiment: "exp1", Unit: "unit1", Job: "stirring", Kind: automation.EventSettingRejected, Detail: "target_rpm=abc", Timestamp: t0.Add(time.Second)},
		{Experiment: "exp1", Unit: "unit1", Job: "dosing", Kind: automation.EventMissedTick, Timestamp: t0.Add(2 * time.Second)},
		{ID: "evt-fixed", Experiment: "exp1", Unit: "unit2", Job: "stirring", Kind: automation.EventMissedTick, Timestamp: t0.Add(3 * time.Second)},
	}
	for _, e := range events {
		if err := repo.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantFirst string // job/kind of the most recent match
	}{
		{name: "all", filter: Filter{}, wantTotal: 4, wantFirst: "stirring/missed_tick"},
		{name: "by job", filter: Filter{Job: "stirring"}, wantTotal: 3, wantFirst: "stirring/missed_tick"},
		{name: "by unit", filter: Filter{Unit: "unit1"}, wantTotal: 3, wantFirst: "dosing/missed_tick"},
		{name: "by kind", filter: Filter{Kind: automation.EventSettingRejected}, wantTotal: 1, wantFirst: "stirring/setting_rejected"},
		{name: "since", filter: Filter{Since: t0.Add(2 * time.Second)}, wantTotal: 2, wantFirst: "stirring/missed_tick"},
		{name: "no match", filter: Filter{Job: "temperature"}, wantTotal: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListEvents() error = %v", err)
			}
			if page.Total != tt.wantTotal || len(page.Events) != tt.wantTotal {
				t.Fatalf("total = %d, len = %d, want %d", page.Total, len(page.Events), tt.wantTotal)
			}
			if tt.wantTotal == 0 {
				return
			}
			first := page.Events[0]
			if got := first.Job + "/" + string(first.Kind); got != tt.wantFirst {
				t.Errorf("first = %s, want %s", got, tt.wantFirst)
			}
		})
	}

	page, err := repo.ListEvents(ctx, Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if page.Total != 4 || len(page.Events) != 1 || page.Events[0].Job != "dosing" {
		t.Errorf("second page = %+v", page)
	}

	page, _ = repo.ListEvents(ctx, Filter{Unit: "unit2"}) //nolint:errcheck // checked above
	if page.Events[0].ID != "evt-fixed" || !page.Events[0].Timestamp.Equal(t0.Add(3*time.Second)) {
		t.Errorf("stored event = %+v", page.Events[0])
	}
	page, _ = repo.ListEvents(ctx, Filter{Kind: automation.EventSettingApplied}) //nolint:errcheck // checked above
	if page.Events[0].ID == "" || page.Events[0].Detail != "target_rpm=400" {
		t.Errorf("generated event = %+v", page.Events[0])
	}
}

func TestFilter_Clamped(t *testing.T) {
	tests := []struct {
		in         Filter
		wantLimit  int
		wantOffset int
	}{
		{Filter{}, defaultLimit, 0},
		{Filter{Limit: 10, Offset: 5}, 10, 5},
		{Filter{Limit: 100000, Offset: -3}, maxLimit, 0},
	}
	for _, tt := range tests {
		got := tt.in.clamped()
		if got.Limit != tt.wantLimit || got.Offset != tt.wantOffset {
			t.Errorf("clamped(%+v) = limit %d offset %d", tt.in, got.Limit, got.Offset)
		}
	}
}

// ─── Transitions, outputs, filtered states ─────────────────────────

func TestRepository_Transitions(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepository(t)

	for i, tr := range []automation.Transition{
		{Experiment: "exp1", Unit: "unit1", Job: "stirring", From: automation.StateInitializing, To: automation.StateReady, Timestamp: t0},
		{Experiment: "exp1", Unit: "unit1", Job: "stirring", From: automation.StateReady, To: automation.StateDisconnected, Reason: "missed ticks", Timestamp: t0.Add(time.Minute)},
	} {
		if err := repo.InsertTransition(ctx, tr); err != nil {
			t.Fatalf("InsertTransition(%d) error = %v", i, err)
		}
	}

	got, err := repo.ListTransitions(ctx, Filter{Job: "stirring"})
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].To != automation.StateDisconnected || got[0].Reason != "missed ticks" {
		t.Errorf("latest = %+v", got[0])
	}
	if got[1].Reason != "" || !got[1].Timestamp.Equal(t0) {
		t.Errorf("earliest = %+v", got[1])
	}
}

func TestRepository_Outputs(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepository(t)

	if err := repo.InsertOutput(ctx, automation.ControlOutput{Experiment: "exp1", Unit: "unit1", Job: "stirring", Value: 42.5, Timestamp: t0}); err != nil {
		t.Fatalf("InsertOutput() error = %v", err)
	}
	if err := repo.InsertOutput(ctx, automation.ControlOutput{Experiment: "exp1", Unit: "unit1", Job: "stirring", Value: 0, Safe: true, Timestamp: t0.Add(time.Second)}); err != nil {
		t.Fatalf("InsertOutput() error = %v", err)
	}

	got, err := repo.ListOutputs(ctx, Filter{Limit: 10})
	if err != nil {
		t.Fatalf("ListOutputs() error = %v", err)
	}
	if len(got) != 2 || !got[0].Safe || got[1].Safe || got[1].Value != 42.5 {
		t.Errorf("outputs = %+v", got)
	}
}

func TestRepository_FilteredStates(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepository(t)

	want := automation.FilteredState{
		Experiment: "exp1",
		Unit:       "unit1",
		OD:         0.51,
		GrowthRate: 0.12,
		Covariance: [2][2]float64{{1e-4, 2e-6}, {2e-6, 1e-5}},
		Timestamp:  t0.Add(1500 * time.Millisecond),
	}
	if err := repo.InsertFilteredState(ctx, want); err != nil {
		t.Fatalf("InsertFilteredState() error = %v", err)
	}

	got, err := repo.ListFilteredStates(ctx, Filter{Unit: "unit1"})
	if err != nil {
		t.Fatalf("ListFilteredStates() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d states, want 1", len(got))
	}
	g := got[0]
	if g.Experiment != want.Experiment || g.OD != want.OD || g.GrowthRate != want.GrowthRate ||
		g.Covariance != want.Covariance || !g.Timestamp.Equal(want.Timestamp) {
		t.Errorf("state = %+v, want %+v", g, want)
	}
}
