// Package history keeps the unit's durable record of what its jobs did.
//
// Recorder implements automation.EventSink. Jobs hand it transitions,
// control outputs, filtered states and job events from their loop; it
// queues them without blocking and a single goroutine writes them to
// SQLite through Repository and, when configured, to InfluxDB as points.
// A full queue drops the record and counts it.
//
// Repository also answers the list queries behind the events API.
package history
