// Package sandbox provisions remote headful-browser endpoints behind a
// uniform Provider contract and couples them to connected clients.
//
// Every backend runs the same linear pipeline: acquire the compute
// resource, ensure runtime dependencies, deploy the control-plane
// payload, start it, poll its health endpoint until ready. Any failure
// after the first step rolls the partial resource back before the error
// surfaces.
//
// Providers:
//   - DockerProvider: one agent container per sandbox
//   - SpriteProvider: SSH-provisioned bare-metal host with a local tunnel
//   - LoopbackProvider: in-process control plane, for dev and tests
//
// Manager owns the sandbox/client registry and guarantees ordered
// teardown: client first, provider resource second.
package sandbox
