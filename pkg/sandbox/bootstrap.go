package sandbox

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Bootstrap is a Python driver shared by the local backends. Invoked as
// `python bootstrap.py program.py`, it executes the program and, when the
// last statement is an expression, writes that expression's value as JSON
// to the file named by the ResultFileEnv environment variable.
//
//go:embed bootstrap.py
var Bootstrap string

// ResultFileEnv names the environment variable carrying the result path.
const ResultFileEnv = "PYSANDBOX_RESULT_FILE"

// File names used inside a backend's working directory.
const (
	BootstrapFile = "bootstrap.py"
	ProgramFile   = "program.py"
	ResultFile    = "result.json"
)

// Memory and timeout bounds applied by backends that enforce them.
const (
	MinMemoryMB     = 32
	MaxMemoryMB     = 2048
	DefaultMemoryMB = 128
	MinTimeout      = time.Second
	MaxTimeout      = 300 * time.Second
)

// ClampMemoryMB bounds a requested memory limit. Zero selects the default.
func ClampMemoryMB(mb int64) int64 {
	switch {
	case mb <= 0:
		return DefaultMemoryMB
	case mb < MinMemoryMB:
		return MinMemoryMB
	case mb > MaxMemoryMB:
		return MaxMemoryMB
	}
	return mb
}

// ClampTimeout bounds a requested timeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// Completed builds the RunResponse for a bootstrap run that finished
// (without timing out) with the given exit code.
func Completed(exitCode int, stdout, stderr string, result []byte) *RunResponse {
	resp := &RunResponse{Success: exitCode == 0}
	if stdout != "" {
		resp.Stdout = Text(stdout)
	}
	if stderr != "" {
		resp.Stderr = Text(stderr)
	}

	if resp.Success {
		if len(result) > 0 {
			resp.JSONResult = string(result)
		}
		return resp
	}

	resp.Error = lastLine(stderr)
	if resp.Error == "" {
		resp.Error = fmt.Sprintf("python exited with code %d", exitCode)
	}
	return resp
}

// lastLine returns the last non-blank line, which for a Python traceback is
// the "Type: message" summary.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// File is a file a backend places in its working directory.
type File struct {
	Name    string
	Content string
}

// Files returns the bootstrap and program files for code.
func Files(code string) []File {
	return []File{
		{Name: BootstrapFile, Content: Bootstrap},
		{Name: ProgramFile, Content: code},
	}
}

// PrepareDir writes the bootstrap and program files into dir.
func PrepareDir(dir, code string) error {
	for _, f := range Files(code) {
		if err := os.WriteFile(filepath.Join(dir, f.Name), []byte(f.Content), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

// ReadResult reads the result file from dir. A missing file is not an
// error; it means the program ended without a final expression value.
func ReadResult(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, ResultFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
