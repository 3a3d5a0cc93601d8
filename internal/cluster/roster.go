package cluster

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Roster is the membership table of one experiment.
//
// A unit is active while it is enabled and its last heartbeat is within
// the liveness window. At most one member holds RoleLeader; designating a
// new leader demotes the previous one. Leadership is never elected: it
// changes only through membership commands.
//
// All public methods are thread-safe.
type Roster struct {
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	members map[string]*entry
	// seen holds heartbeats from units not yet in the roster.
	seen map[string]time.Time
}

type entry struct {
	enabled       bool
	role          Role
	lastHeartbeat time.Time
	lost          bool
}

// NewRoster creates an empty roster. now defaults to time.Now.
func NewRoster(window time.Duration, now func() time.Time) *Roster {
	if now == nil {
		now = time.Now
	}
	return &Roster{
		window:  window,
		now:     now,
		members: make(map[string]*entry),
		seen:    make(map[string]time.Time),
	}
}

// Apply applies a membership command. While an active leader exists, only
// commands issued by that leader are accepted; others fail with
// ErrNotLeader. It reports whether the roster changed.
func (r *Roster) Apply(cmd MembershipCommand) (bool, error) {
	if err := cmd.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if leader, active := r.leaderLocked(); active && cmd.IssuedBy != leader {
		return false, fmt.Errorf("%w: %s issued by %q, leader is %s", ErrNotLeader, cmd.Unit, cmd.IssuedBy, leader)
	}
	return r.applyLocked(cmd), nil
}

// Designate applies cmd without the leader check. It is used to seed the
// roster from configuration.
func (r *Roster) Designate(cmd MembershipCommand) (bool, error) {
	if err := cmd.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(cmd), nil
}

func (r *Roster) applyLocked(cmd MembershipCommand) bool {
	e, ok := r.members[cmd.Unit]
	if !ok {
		e = &entry{role: RoleWorker}
		if at, seen := r.seen[cmd.Unit]; seen {
			e.lastHeartbeat = at
			delete(r.seen, cmd.Unit)
		}
		r.members[cmd.Unit] = e
	}
	before := *e

	e.enabled = cmd.Enabled
	switch {
	case cmd.Role == RoleLeader:
		for unit, other := range r.members {
			if unit != cmd.Unit && other.role == RoleLeader {
				other.role = RoleWorker
			}
		}
		e.role = RoleLeader
	case cmd.Role == RoleWorker || !cmd.Enabled:
		e.role = RoleWorker
	}

	return !ok || before != *e
}

// Heartbeat records a liveness heartbeat. The recorded time is the earlier
// of the heartbeat's own timestamp and the local clock, so a unit with a
// fast clock cannot extend its own liveness. It reports whether the unit's
// activity changed.
func (r *Roster) Heartbeat(unit string, at time.Time) bool {
	now := r.now()
	if at.IsZero() || at.After(now) {
		at = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.members[unit]
	if !ok {
		if prev, seen := r.seen[unit]; !seen || at.After(prev) {
			r.seen[unit] = at
		}
		return false
	}
	wasActive := r.activeLocked(e, now)
	if at.After(e.lastHeartbeat) {
		e.lastHeartbeat = at
	}
	e.lost = false
	return wasActive != r.activeLocked(e, now)
}

// MarkLost marks a unit stale until its next heartbeat. It reports whether
// the unit's activity changed.
func (r *Roster) MarkLost(unit string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.members[unit]
	if !ok {
		delete(r.seen, unit)
		return false
	}
	wasActive := r.activeLocked(e, r.now())
	e.lost = true
	return wasActive
}

// Active reports whether unit is enabled and live.
func (r *Roster) Active(unit string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[unit]
	return ok && r.activeLocked(e, r.now())
}

// Leader returns the designated leader and whether it is active.
func (r *Roster) Leader() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderLocked()
}

// Member returns one roster entry.
func (r *Roster) Member(unit string) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[unit]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrUnknownUnit, unit)
	}
	return r.memberLocked(unit, e, r.now()), nil
}

// Snapshot returns the roster sorted by unit.
func (r *Roster) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	snap := Snapshot{At: now, Members: make([]Member, 0, len(r.members))}
	for unit, e := range r.members {
		snap.Members = append(snap.Members, r.memberLocked(unit, e, now))
	}
	slices.SortFunc(snap.Members, func(a, b Member) int { return strings.Compare(a.Unit, b.Unit) })
	snap.Leader, snap.LeaderActive = r.leaderLocked()
	return snap
}

// Commands returns the roster as membership commands issued by issuer.
func (r *Roster) Commands(issuer string) []MembershipCommand {
	snap := r.Snapshot()
	out := make([]MembershipCommand, 0, len(snap.Members))
	for _, m := range snap.Members {
		out = append(out, MembershipCommand{
			Unit:      m.Unit,
			Enabled:   m.Enabled,
			Role:      m.Role,
			IssuedBy:  issuer,
			Timestamp: snap.At,
		})
	}
	return out
}

func (r *Roster) memberLocked(unit string, e *entry, now time.Time) Member {
	return Member{
		Unit:          unit,
		Enabled:       e.enabled,
		Role:          e.role,
		LastHeartbeat: e.lastHeartbeat,
		Active:        r.activeLocked(e, now),
	}
}

func (r *Roster) leaderLocked() (string, bool) {
	for unit, e := range r.members {
		if e.role == RoleLeader {
			return unit, r.activeLocked(e, r.now())
		}
	}
	return "", false
}

func (r *Roster) activeLocked(e *entry, now time.Time) bool {
	if !e.enabled || e.lost || e.lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(e.lastHeartbeat) <= r.window
}
