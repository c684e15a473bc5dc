// Package protocol defines the wire messages exchanged with a sandbox
// control plane and their codec.
//
// Message Types (Client → Sandbox):
//   - cmd: Interactive command with correlation id
//   - ping: Liveness probe with millisecond timestamp
//   - intervention_request: Human-in-the-loop escape hatch
//
// Message Types (Sandbox → Client):
//   - result: Command settlement, matched by id
//   - pong: Probe echo
//   - event: Server-initiated notification, passed through
//   - intervention_created: Acknowledgment carrying viewer URL
//   - intervention_completed: Terminal intervention settlement
//
// The same envelope rides both the bidirectional socket transport and the
// event-stream transport; only framing differs.
package protocol
