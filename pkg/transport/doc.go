// Package transport provides the HTTP middleware chain of the sandbox
// server.
//
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-Id) and structured access logging via log/slog. Any
// func(http.Handler) http.Handler, such as the auth middleware, composes
// with them through [Chain].
package transport
