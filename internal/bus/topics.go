package bus

import (
	"fmt"
	"strings"
)

// Reserved topic levels.
const (
	// BroadcastUnit addresses every unit of an experiment.
	BroadcastUnit = "$broadcast"

	// ClusterLevel scopes experiment-wide coordination topics.
	ClusterLevel = "cluster"

	stateLevel      = "$state"
	propertiesLevel = "$properties"
	setLevel        = "set"
)

// Topics builds the topic hierarchy of one unit in one experiment.
//
// Layout:
//
//	{experiment}/{unit}/{sensor}/reading
//	{experiment}/{unit}/{job}/output
//	{experiment}/{unit}/{job}/$state            retained lifecycle state
//	{experiment}/{unit}/{job}/{setting}         retained current value
//	{experiment}/{unit}/{job}/{setting}/set     setting change request
//	{experiment}/$broadcast/{job}/{setting}/set cluster-wide change request
//	{experiment}/cluster/membership
//	{experiment}/cluster/heartbeat/{unit}
//
// Using these helpers keeps topic naming consistent across the codebase.
type Topics struct {
	Experiment string
	Unit       string
}

// ForUnit returns the builder for another unit of the same experiment.
func (t Topics) ForUnit(unit string) Topics {
	return Topics{Experiment: t.Experiment, Unit: unit}
}

// =============================================================================
// Sensor and Actuator Topics
// =============================================================================

// SensorReading returns the retained topic a sensor reader publishes to.
//
// Example: exp1/unit1/od90/reading
func (t Topics) SensorReading(sensor string) string {
	return fmt.Sprintf("%s/%s/%s/reading", t.Experiment, t.Unit, sensor)
}

// JobOutput returns the topic a job publishes actuator commands to.
//
// Example: exp1/unit1/stirring/output
func (t Topics) JobOutput(job string) string {
	return fmt.Sprintf("%s/%s/%s/output", t.Experiment, t.Unit, job)
}

// DosingEvents returns the topic dosing jobs announce additions on.
//
// Example: exp1/unit1/dosing_events
func (t Topics) DosingEvents() string {
	return fmt.Sprintf("%s/%s/dosing_events", t.Experiment, t.Unit)
}

// =============================================================================
// Job Topics
// =============================================================================

// JobState returns the retained lifecycle state topic of a job.
//
// Example: exp1/unit1/stirring/$state
func (t Topics) JobState(job string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Experiment, t.Unit, job, stateLevel)
}

// JobStateSet returns the topic used to request a lifecycle change.
//
// Example: exp1/unit1/stirring/$state/set
func (t Topics) JobStateSet(job string) string {
	return t.JobState(job) + "/" + setLevel
}

// JobProperties returns the retained topic listing a job's settings.
//
// Example: exp1/unit1/stirring/$properties
func (t Topics) JobProperties(job string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Experiment, t.Unit, job, propertiesLevel)
}

// Setting returns the retained topic holding a setting's current value.
//
// Example: exp1/unit1/stirring/target_rpm
func (t Topics) Setting(job, setting string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Experiment, t.Unit, job, setting)
}

// SettingMeta returns a retained metadata topic of a setting.
//
// Example: exp1/unit1/stirring/target_rpm/$settable
func (t Topics) SettingMeta(job, setting, attr string) string {
	return fmt.Sprintf("%s/%s/%s/%s/$%s", t.Experiment, t.Unit, job, setting, attr)
}

// SettingSet returns the topic used to change a setting on this unit.
//
// Example: exp1/unit1/stirring/target_rpm/set
func (t Topics) SettingSet(job, setting string) string {
	return t.Setting(job, setting) + "/" + setLevel
}

// BroadcastSettingSet returns the topic used to change a setting on every unit.
//
// Example: exp1/$broadcast/stirring/target_rpm/set
func (t Topics) BroadcastSettingSet(job, setting string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", t.Experiment, BroadcastUnit, job, setting, setLevel)
}

// Heartbeat returns the retained topic carrying a job's JobRecord.
//
// Example: exp1/unit1/stirring/heartbeat
func (t Topics) Heartbeat(job string) string {
	return fmt.Sprintf("%s/%s/%s/heartbeat", t.Experiment, t.Unit, job)
}

// JobEvents returns the topic for rejected and missed events of a job.
//
// Example: exp1/unit1/stirring/events
func (t Topics) JobEvents(job string) string {
	return fmt.Sprintf("%s/%s/%s/events", t.Experiment, t.Unit, job)
}

// Logs returns the topic unit logs are mirrored to.
//
// Example: exp1/unit1/logs/app
func (t Topics) Logs() string {
	return fmt.Sprintf("%s/%s/logs/app", t.Experiment, t.Unit)
}

// =============================================================================
// Cluster Topics
// =============================================================================

// Membership returns the cluster membership command topic.
//
// Example: exp1/cluster/membership
func (t Topics) Membership() string {
	return fmt.Sprintf("%s/%s/membership", t.Experiment, ClusterLevel)
}

// UnitHeartbeat returns the retained liveness topic of this unit. It is
// also the connection's Last Will topic.
//
// Example: exp1/cluster/heartbeat/unit1
func (t Topics) UnitHeartbeat() string {
	return fmt.Sprintf("%s/%s/heartbeat/%s", t.Experiment, ClusterLevel, t.Unit)
}

// Aggregate returns the retained topic of the leader's cluster aggregate.
//
// Example: exp1/cluster/aggregate
func (t Topics) Aggregate() string {
	return fmt.Sprintf("%s/%s/aggregate", t.Experiment, ClusterLevel)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllSettingSets matches change requests for every setting of a job.
//
// Pattern: exp1/unit1/stirring/+/set
func (t Topics) AllSettingSets(job string) string {
	return fmt.Sprintf("%s/%s/%s/+/%s", t.Experiment, t.Unit, job, setLevel)
}

// AllBroadcastSettingSets matches cluster-wide change requests of a job.
//
// Pattern: exp1/$broadcast/stirring/+/set
func (t Topics) AllBroadcastSettingSets(job string) string {
	return fmt.Sprintf("%s/%s/%s/+/%s", t.Experiment, BroadcastUnit, job, setLevel)
}

// AllUnitHeartbeats matches the liveness topics of every unit.
//
// Pattern: exp1/cluster/heartbeat/+
func (t Topics) AllUnitHeartbeats() string {
	return fmt.Sprintf("%s/%s/heartbeat/+", t.Experiment, ClusterLevel)
}

// AllJobOutputs matches the outputs of a job on every unit.
//
// Pattern: exp1/+/dosing/output
func (t Topics) AllJobOutputs(job string) string {
	return fmt.Sprintf("%s/+/%s/output", t.Experiment, job)
}

// AllJobStates matches every job lifecycle state on this unit.
//
// Pattern: exp1/unit1/+/$state
func (t Topics) AllJobStates() string {
	return fmt.Sprintf("%s/%s/+/%s", t.Experiment, t.Unit, stateLevel)
}

// AllJobHeartbeats matches the JobRecord heartbeat of every job on this
// unit.
//
// Pattern: exp1/unit1/+/heartbeat
func (t Topics) AllJobHeartbeats() string {
	return fmt.Sprintf("%s/%s/+/heartbeat", t.Experiment, t.Unit)
}

// AllSettingsOf matches a setting's current value on every unit.
//
// Pattern: exp1/+/growth_rate_calculating/filtered
func (t Topics) AllSettingsOf(job, setting string) string {
	return fmt.Sprintf("%s/+/%s/%s", t.Experiment, job, setting)
}

// AllExperiment matches every topic of the experiment.
//
// Pattern: exp1/#
func (t Topics) AllExperiment() string {
	return t.Experiment + "/" + MultiLevelWildcard
}

// =============================================================================
// Parsing
// =============================================================================

// ParseSettingSet extracts the unit, job and setting of a setting change
// topic ({experiment}/{unit}/{job}/{setting}/set). unit is BroadcastUnit
// for cluster-wide requests.
func (t Topics) ParseSettingSet(topic string) (unit, job, setting string, ok bool) {
	levels := strings.Split(topic, levelSeparator)
	if len(levels) != 5 || levels[0] != t.Experiment || levels[4] != setLevel {
		return "", "", "", false
	}
	return levels[1], levels[2], levels[3], true
}

// ParseUnitHeartbeat extracts the unit of a heartbeat topic.
func (t Topics) ParseUnitHeartbeat(topic string) (string, bool) {
	levels := strings.Split(topic, levelSeparator)
	if len(levels) != 4 || levels[0] != t.Experiment || levels[1] != ClusterLevel || levels[2] != "heartbeat" {
		return "", false
	}
	return levels[3], true
}

// ParseUnit returns the unit level of a topic in this experiment.
func (t Topics) ParseUnit(topic string) (string, bool) {
	levels := strings.Split(topic, levelSeparator)
	if len(levels) < 3 || levels[0] != t.Experiment {
		return "", false
	}
	return levels[1], true
}
