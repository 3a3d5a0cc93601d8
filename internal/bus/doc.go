// Package bus is the publish/subscribe abstraction every job and the
// cluster layer communicate through.
//
// Two implementations share the same contract:
//
//   - MQTT wraps the paho-based client in infrastructure/mqtt and is used in
//     production.
//   - Memory is an in-process broker for standalone runs and tests. Drop and
//     Restore simulate connectivity loss.
//
// # Contract
//
//   - Topics are hierarchical, "/"-separated and scoped by experiment, unit,
//     job and setting (see Topics).
//   - Patterns support "+" (one level) and "#" (remaining levels).
//   - Retained topics behave as a last-write-wins Register: one current
//     value per topic, replayed to every new subscriber.
//   - Each subscription has its own ordered mailbox, so per-topic publish
//     order is preserved and a slow handler never blocks publishers.
//   - Connectivity changes are reported through OnStatus. On reconnect,
//     retained values are replayed before queued or new live messages.
//   - Malformed topics fail with ErrInvalidTopic, conflicting credentials
//     with ErrUnauthorized.
package bus
