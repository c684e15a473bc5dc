// Package client implements the sandbox client: a connection state machine
// over a pluggable transport, a correlation queue for in-flight commands,
// the two-phase intervention handshake, and typed browser command wrappers.
//
// Connection Lifecycle:
//   - Disconnected → Connecting → Connected on dial success
//   - Connected → Reconnecting on transport failure, with fixed-interval
//     retries up to a bound, then Disconnected
//   - State changes are emitted synchronously, ordered before any message
//     dispatched on the new connection
//
// Commands are correlated by id. Each in-flight command settles exactly
// once: result, timeout, cancellation, or connection loss, whichever comes
// first. A drop from Connected cancels every pending command and
// intervention in the same state transition.
//
// Session control-plane calls ride a separate HTTP surface guarded by a
// circuit breaker; SessionClient derives a scoped Client bound to one
// session's command endpoint.
package client
