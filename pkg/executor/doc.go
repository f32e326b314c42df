// Package executor turns one ExecutionRequest into one ExecutionResult.
//
// [Executor.Execute] validates the request, wraps the user code, runs it
// through a [sandbox.Runner] and interprets the raw response. It never
// panics and never returns an error: validation failures, sandbox
// failures, semantic failures (score 0) and internal faults are all
// reported as error results. [Serve] is the pipe driver around it.
package executor
