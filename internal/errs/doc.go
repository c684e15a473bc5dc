// Package errs defines the error taxonomy shared by the client protocol
// and the sandbox orchestration layers.
//
// Every public async operation settles with either a well-typed result or
// an *errs.Error carrying one Kind. Remote failures keep their sub-code;
// unknown sub-codes default-map to command_failed so newer control planes
// never break older clients.
package errs
