package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/rhuss/pysandbox/pkg/api"
	"github.com/rhuss/pysandbox/pkg/debug"
)

// Serve reads one request from r until EOF, executes it and writes exactly
// one compact JSON result to w without a trailing newline. Read, decode
// and escaped execution faults become pipe-level error results. The only
// error returned is a failure to write w.
func Serve(ctx context.Context, ex Interface, r io.Reader, w io.Writer) error {
	result := handle(ctx, ex, r)

	data, err := encode(result)
	if err != nil {
		slog.Error("encoding result failed", "error", err)
		data, _ = encode(api.NewPipeErrorResult(err.Error()))
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func handle(ctx context.Context, ex Interface, r io.Reader) (result *api.ExecutionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipe handler panicked", "panic", rec)
			result = api.NewPipeErrorResult(fmt.Sprint(rec))
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		slog.Error("reading request failed", "error", err)
		return api.NewPipeErrorResult(err.Error())
	}
	debug.Log("executor", "request received", "bytes", len(data))

	var req api.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("decoding request failed", "error", err, "input", debug.Truncate(string(data), 200))
		return api.NewPipeErrorResult(err.Error())
	}

	result = ex.Execute(ctx, &req)
	if result == nil {
		return api.NewPipeErrorResult("executor returned no result")
	}
	return result
}

// encode marshals v as compact JSON without HTML escaping or a trailing
// newline.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
