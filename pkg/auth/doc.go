// Package auth authenticates callers of the sandbox server.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// Auth is implemented as HTTP middleware in front of the /run endpoint. The
// middleware stores the identity in the request context and optionally
// applies a per-subject rate limit.
package auth
