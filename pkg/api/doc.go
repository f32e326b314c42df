// Package api defines the wire types exchanged over the runner's pipe.
//
// A caller writes one [ExecutionRequest] as JSON to the runner's stdin and
// reads one [ExecutionResult] from its stdout. The package performs no I/O.
//
// Core types:
//   - [ExecutionRequest]: code, optional params and optional [SandboxConfig]
//   - [SandboxConfig]: permission toggles ([Permission]) and resource limits
//   - [ExecutionResult]: normalized outcome with success/status, output streams and timing
//
// Results fall into three tiers. Validation failures are detected before
// the sandbox is called. Execution failures come from the sandbox or from
// user code reporting score 0. Pipe failures happen around the request
// itself and always report an execution time of zero.
package api
