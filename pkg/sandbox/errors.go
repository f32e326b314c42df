package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a sandbox capability that could not be resolved.
var ErrUnavailable = errors.New("sandbox runner unavailable")

// UnavailableError reports which runner could not be resolved and why.
type UnavailableError struct {
	Name  string
	Cause error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sandbox runner %q unavailable: %v", e.Name, e.Cause)
	}
	return fmt.Sprintf("sandbox runner %q unavailable", e.Name)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrUnavailable) true for any UnavailableError.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable returns a Runner that fails every call with err. The
// executor reports it through its ordinary error path.
func Unavailable(err error) Runner {
	if err == nil {
		err = ErrUnavailable
	}
	return RunnerFunc(func(context.Context, string, RunOptions) (*RunResponse, error) {
		return nil, err
	})
}

// TimeoutResponse is the response backends return when a run exceeds its
// timeout.
func TimeoutResponse(timeout time.Duration, stdout, stderr string) *RunResponse {
	resp := &RunResponse{
		Success: false,
		Error:   fmt.Sprintf("execution timed out after %s", timeout),
	}
	if stdout != "" {
		resp.Stdout = Text(stdout)
	}
	if stderr != "" {
		resp.Stderr = Text(stderr)
	} else {
		resp.Stderr = Text(resp.Error)
	}
	return resp
}
