// Package controlplane is the HTTP/websocket service running inside a
// sandbox: liveness and readiness checks, session CRUD with a capacity
// limit, and the command socket.
//
// The actual browser engine sits behind the Executor interface; this
// package only frames, routes and settles protocol messages. The stub
// executor keeps enough page state per session to make navigation
// observable in dev and tests.
package controlplane
