// Package cluster tracks which units take part in an experiment and which
// of them coordinates it.
//
// Every unit publishes a retained heartbeat on
// {experiment}/cluster/heartbeat/{unit}; the MQTT Last Will on the same
// topic carries "lost" so a crashed unit turns stale without waiting for
// the liveness window. Membership commands arrive on
// {experiment}/cluster/membership and are accepted only from the active
// leader, or from anyone while there is no active leader.
//
// Leadership is designated, never elected. When the leader goes stale the
// Coordinator stops broadcasting settings and publishing the aggregate;
// local automation jobs are not affected.
package cluster
