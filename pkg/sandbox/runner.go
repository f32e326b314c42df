// Package sandbox defines the contract between the executor and the
// isolated environment that actually runs Python code.
//
// A [Runner] receives an already wrapped program and reports a
// [RunResponse]. Backends live in sub-packages (subprocess, wasm, docker,
// remote) and are selected by name through a [Registry] once at startup.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rhuss/pysandbox/pkg/api"
)

// RunOptions are passed to every Run call.
type RunOptions struct {
	// Timeout bounds the execution. Backends enforce it and report an
	// overrun as an unsuccessful RunResponse.
	Timeout time.Duration

	// Config carries the request's permission and resource toggles. May be nil.
	Config *api.SandboxConfig
}

// Runner executes a wrapped program.
//
// A nil response with a nil error means the backend produced nothing; the
// executor treats that as a failure. A non-nil error is an infrastructure
// fault (backend unreachable, unavailable, misconfigured).
type Runner interface {
	Run(ctx context.Context, code string, opts RunOptions) (*RunResponse, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, code string, opts RunOptions) (*RunResponse, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, code string, opts RunOptions) (*RunResponse, error) {
	return f(ctx, code, opts)
}

// RunResponse is the raw outcome reported by a backend.
type RunResponse struct {
	Success bool `json:"success"`

	// Result is the program's final expression as a structured value.
	Result any `json:"result,omitempty"`

	// JSONResult is the same value JSON-encoded. When present and valid
	// it takes precedence over Result.
	JSONResult string `json:"jsonResult,omitempty"`

	Stdout Stream `json:"stdout,omitempty"`
	Stderr Stream `json:"stderr,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Value extracts the program's return value. A JSONResult that parses wins;
// otherwise, including when parsing fails, the raw Result is returned.
func (r *RunResponse) Value() any {
	if r == nil {
		return nil
	}
	if r.JSONResult != "" {
		dec := json.NewDecoder(strings.NewReader(r.JSONResult))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			return v
		}
	}
	return r.Result
}

// Stream is program output given either as one string or as ordered
// chunks. A nil Stream is absent.
type Stream []string

// Text returns a single-chunk Stream.
func Text(s string) Stream {
	return Stream{s}
}

// Present reports whether the stream was set at all.
func (s Stream) Present() bool {
	return s != nil
}

// String joins the chunks with newlines.
func (s Stream) String() string {
	return strings.Join(s, "\n")
}

// UnmarshalJSON accepts a JSON string or an array of strings.
func (s *Stream) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*s = nil
	case data[0] == '[':
		var chunks []string
		if err := json.Unmarshal(data, &chunks); err != nil {
			return fmt.Errorf("output chunks: %w", err)
		}
		if chunks == nil {
			chunks = []string{}
		}
		*s = chunks
	default:
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("output must be a string or a list of strings: %w", err)
		}
		*s = Stream{text}
	}
	return nil
}

// MarshalJSON writes a single chunk as a plain string and several chunks
// as an array.
func (s Stream) MarshalJSON() ([]byte, error) {
	switch len(s) {
	case 0:
		if s == nil {
			return []byte("null"), nil
		}
		return []byte(`""`), nil
	case 1:
		return json.Marshal(s[0])
	default:
		return json.Marshal([]string(s))
	}
}
