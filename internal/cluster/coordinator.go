package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/bus"
)

// Options configures a Coordinator.
type Options struct {
	Bus    bus.Bus
	Topics bus.Topics

	// Members are enabled at startup; this unit is always included.
	Members []string
	// Leader is designated at startup when set.
	Leader string

	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	AggregateInterval time.Duration

	// EstimatorJob is the job whose FilteredState is aggregated.
	EstimatorJob string

	Logger Logger
	Clock  func() time.Time
}

// Coordinator runs this unit's side of cluster coordination: it publishes
// the unit heartbeat, tracks the roster from heartbeats and membership
// commands, and, while this unit is the active leader, publishes the
// cluster aggregate and accepts cluster-wide setting broadcasts.
//
// Losing coordination never touches local jobs; it only pauses the
// leader-gated operations.
type Coordinator struct {
	bus    bus.Bus
	topics bus.Topics
	opts   Options
	roster *Roster
	logger Logger
	now    func() time.Time

	mu          sync.Mutex
	observers   []Observer
	fingerprint string
	states      map[string]automation.FilteredState
	subs        []bus.Subscription

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator. Zero intervals take the defaults
// of the configuration package.
func NewCoordinator(opts Options) *Coordinator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 35 * time.Second
	}
	if opts.AggregateInterval <= 0 {
		opts.AggregateInterval = 30 * time.Second
	}
	if opts.EstimatorJob == "" {
		opts.EstimatorJob = automation.DefaultJobName(automation.KindGrowthRate)
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Coordinator{
		bus:    opts.Bus,
		topics: opts.Topics,
		opts:   opts,
		roster: NewRoster(opts.LivenessWindow, opts.Clock),
		logger: opts.Logger,
		now:    opts.Clock,
		states: make(map[string]automation.FilteredState),
	}
}

// AddObserver registers an observer of roster changes. It must be called
// before Start.
func (c *Coordinator) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Roster returns the coordinator's roster.
func (c *Coordinator) Roster() *Roster { return c.roster }

// Unit returns this unit's id.
func (c *Coordinator) Unit() string { return c.topics.Unit }

// Start seeds the roster, subscribes to cluster topics and launches the
// heartbeat and aggregate loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.seed(); err != nil {
		return err
	}

	subscriptions := []struct {
		pattern string
		qos     byte
		handler bus.Handler
	}{
		{c.topics.Membership(), 1, c.onMembership},
		{c.topics.AllUnitHeartbeats(), 1, c.onHeartbeat},
		{c.topics.AllSettingsOf(c.opts.EstimatorJob, automation.FilteredSetting), 0, c.onFilteredState},
	}
	for _, s := range subscriptions {
		sub, err := c.bus.Subscribe(ctx, s.pattern, s.handler, bus.SubscribeOptions{QoS: s.qos})
		if err != nil {
			c.unsubscribeAll(context.WithoutCancel(ctx))
			return fmt.Errorf("subscribing %s: %w", s.pattern, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	c.publishHeartbeat(ctx)

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(lctx)

	c.logger.Info("cluster coordinator started",
		"unit", c.topics.Unit,
		"leader", c.opts.Leader,
		"liveness_window", c.opts.LivenessWindow,
	)
	return nil
}

func (c *Coordinator) seed() error {
	self := c.topics.Unit
	members := append([]string{self}, c.opts.Members...)
	for _, unit := range members {
		if _, err := c.roster.Designate(MembershipCommand{Unit: unit, Enabled: true}); err != nil {
			return fmt.Errorf("seeding roster: %w", err)
		}
	}
	if c.opts.Leader != "" {
		if _, err := c.roster.Designate(MembershipCommand{Unit: c.opts.Leader, Enabled: true, Role: RoleLeader}); err != nil {
			return fmt.Errorf("designating leader: %w", err)
		}
	}
	return nil
}

// Stop halts the loop, announces this unit offline and unsubscribes.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	err := c.bus.Publish(ctx, c.topics.UnitHeartbeat(), []byte(PresenceOffline), bus.PublishOptions{QoS: 1, Retained: true})
	c.unsubscribeAll(ctx)
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		return fmt.Errorf("publishing offline presence: %w", err)
	}
	return nil
}

func (c *Coordinator) unsubscribeAll(ctx context.Context) {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe(ctx)
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	aggregate := time.NewTicker(c.opts.AggregateInterval)
	defer aggregate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.publishHeartbeat(ctx)
			c.evaluate()
		case <-aggregate.C:
			if err := c.PublishAggregate(ctx); err != nil && !errors.Is(err, ErrCoordinationPaused) {
				c.logger.Warn("aggregate not published", "error", err)
			}
		}
	}
}

// IsActiveLeader reports whether this unit is the leader and live.
func (c *Coordinator) IsActiveLeader() bool {
	leader, active := c.roster.Leader()
	return active && leader == c.topics.Unit
}

// Snapshot returns the current roster.
func (c *Coordinator) Snapshot() Snapshot { return c.roster.Snapshot() }

// =============================================================================
// Leader-gated operations
// =============================================================================

// BroadcastSetting asks every unit's job to change a setting. It fails with
// ErrCoordinationPaused unless this unit is the active leader.
func (c *Coordinator) BroadcastSetting(ctx context.Context, job, setting string, value float64) error {
	if !c.IsActiveLeader() {
		leader, _ := c.roster.Leader()
		c.logger.Warn("broadcast suppressed", "job", job, "setting", setting, "leader", leader)
		return fmt.Errorf("%w: %s is not the active leader", ErrCoordinationPaused, c.topics.Unit)
	}
	if err := automation.ValidateJobName(job); err != nil {
		return err
	}
	if !bus.IsLevel(setting) {
		return fmt.Errorf("%w: setting %q", bus.ErrInvalidTopic, setting)
	}

	payload := []byte(strconv.FormatFloat(value, 'f', -1, 64))
	if err := c.bus.Publish(ctx, c.topics.BroadcastSettingSet(job, setting), payload, bus.PublishOptions{QoS: 1}); err != nil {
		return fmt.Errorf("broadcasting %s.%s: %w", job, setting, err)
	}
	c.logger.Info("setting broadcast", "job", job, "setting", setting, "value", value)
	return nil
}

// PublishAggregate publishes the mean filtered state over active units.
// Units without a filtered state are skipped; nothing is published when
// none has one.
func (c *Coordinator) PublishAggregate(ctx context.Context) error {
	if !c.IsActiveLeader() {
		c.logger.Debug("aggregate paused")
		return ErrCoordinationPaused
	}

	snap := c.roster.Snapshot()
	agg := Aggregate{Experiment: c.topics.Experiment, Leader: c.topics.Unit, Timestamp: snap.At.UTC()}

	c.mu.Lock()
	for _, unit := range snap.ActiveUnits() {
		st, ok := c.states[unit]
		if !ok {
			continue
		}
		agg.Units = append(agg.Units, unit)
		agg.MeanOD += st.OD
		agg.MeanGrowthRate += st.GrowthRate
	}
	c.mu.Unlock()

	if len(agg.Units) == 0 {
		return nil
	}
	n := float64(len(agg.Units))
	agg.MeanOD /= n
	agg.MeanGrowthRate /= n

	payload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encoding aggregate: %w", err)
	}
	return c.bus.Publish(ctx, c.topics.Aggregate(), payload, bus.PublishOptions{QoS: 1, Retained: true})
}

// SubmitMembership publishes a membership command issued by this unit.
// It fails with ErrNotLeader while another unit is the active leader.
func (c *Coordinator) SubmitMembership(ctx context.Context, cmd MembershipCommand) error {
	cmd.IssuedBy = c.topics.Unit
	cmd.Timestamp = c.now().UTC()
	if err := cmd.Validate(); err != nil {
		return err
	}
	if leader, active := c.roster.Leader(); active && leader != c.topics.Unit {
		return fmt.Errorf("%w: leader is %s", ErrNotLeader, leader)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding membership command: %w", err)
	}
	return c.bus.Publish(ctx, c.topics.Membership(), payload, bus.PublishOptions{QoS: 1})
}

// =============================================================================
// Bus handlers
// =============================================================================

func (c *Coordinator) onMembership(m bus.Message) {
	payload := bytes.TrimSpace(m.Payload)
	if len(payload) == 0 {
		return
	}

	var cmds []MembershipCommand
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &cmds); err != nil {
			c.logger.Warn("malformed roster", "error", err)
			return
		}
	} else {
		var cmd MembershipCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.logger.Warn("malformed membership command", "error", err)
			return
		}
		cmds = append(cmds, cmd)
	}

	for _, cmd := range cmds {
		changed, err := c.roster.Apply(cmd)
		if err != nil {
			c.logger.Warn("membership command rejected", "unit", cmd.Unit, "issued_by", cmd.IssuedBy, "error", err)
			continue
		}
		if changed {
			c.logger.Info("membership changed", "unit", cmd.Unit, "enabled", cmd.Enabled, "role", cmd.Role, "issued_by", cmd.IssuedBy)
		}
	}
	c.evaluate()
}

func (c *Coordinator) onHeartbeat(m bus.Message) {
	unit, ok := c.topics.ParseUnitHeartbeat(m.Topic)
	if !ok {
		return
	}
	payload := strings.TrimSpace(string(m.Payload))
	switch payload {
	case "":
		return
	case PresenceLost, PresenceOffline:
		if c.roster.MarkLost(unit) {
			c.logger.Warn("unit marked stale", "unit", unit, "presence", payload)
		}
	default:
		var hb Heartbeat
		if err := json.Unmarshal(m.Payload, &hb); err != nil {
			c.logger.Debug("malformed heartbeat", "unit", unit, "error", err)
			return
		}
		c.roster.Heartbeat(unit, hb.Timestamp)
	}
	c.evaluate()
}

func (c *Coordinator) onFilteredState(m bus.Message) {
	unit, ok := c.topics.ParseUnit(m.Topic)
	if !ok || len(m.Payload) == 0 {
		return
	}
	var st automation.FilteredState
	if err := json.Unmarshal(m.Payload, &st); err != nil {
		c.logger.Debug("malformed filtered state", "unit", unit, "error", err)
		return
	}
	c.mu.Lock()
	if prev, ok := c.states[unit]; !ok || !st.Timestamp.Before(prev.Timestamp) {
		c.states[unit] = st
	}
	c.mu.Unlock()
}

func (c *Coordinator) publishHeartbeat(ctx context.Context) {
	payload, err := json.Marshal(Heartbeat{Unit: c.topics.Unit, Timestamp: c.now().UTC()})
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatInterval)
	defer cancel()
	if err := c.bus.Publish(pctx, c.topics.UnitHeartbeat(), payload, bus.PublishOptions{QoS: 1, Retained: true}); err != nil {
		c.logger.Debug("unit heartbeat not published", "error", err)
	}
}

// evaluate notifies observers when membership, leadership or liveness
// changed since the last call. The active leader then republishes the
// roster, retained, so units that join later receive it.
func (c *Coordinator) evaluate() {
	snap := c.roster.Snapshot()
	fp := fingerprint(snap)

	c.mu.Lock()
	if fp == c.fingerprint {
		c.mu.Unlock()
		return
	}
	c.fingerprint = fp
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	c.logger.Info("roster changed", "leader", snap.Leader, "leader_active", snap.LeaderActive, "active_units", len(snap.ActiveUnits()))
	for _, o := range observers {
		o.RosterChanged(snap)
	}

	if snap.LeaderActive && snap.Leader == c.topics.Unit {
		c.publishRoster()
	}
}

func (c *Coordinator) publishRoster() {
	payload, err := json.Marshal(c.roster.Commands(c.topics.Unit))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
	defer cancel()
	if err := c.bus.Publish(ctx, c.topics.Membership(), payload, bus.PublishOptions{QoS: 1, Retained: true}); err != nil {
		c.logger.Debug("roster not published", "error", err)
	}
}

func fingerprint(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%t", s.Leader, s.LeaderActive)
	for _, m := range s.Members {
		fmt.Fprintf(&b, "|%s,%t,%s,%t", m.Unit, m.Enabled, m.Role, m.Active)
	}
	return b.String()
}
