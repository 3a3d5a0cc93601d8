// Package logging is the structured logger shared by every component.
//
// Logger wraps log/slog with JSON or text output and fixed service and
// version attributes. Components derive their own loggers with With, e.g.
// each job runs with task=<job name>.
//
// BusMirror copies records at or above logging.publish_level to the
// unit's logs topic (<experiment>/<unit>/logs/app) so a leader or
// dashboard can follow a unit remotely. The mirror queues and drops
// rather than block the caller.
//
//	logging:
//	  level: info
//	  format: json
//	  output: stdout
//	  publish_level: warn
//
// Never log secrets, tokens or passwords.
package logging
