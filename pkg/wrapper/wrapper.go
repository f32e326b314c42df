// Package wrapper turns a user script body into a self-contained Python
// program with a uniform calling contract.
//
// The generated program defines an Args parameter holder, an Output
// envelope that always carries score and reason, and the args dict. After
// the user body it calls an optional main(args) entry point, awaiting the
// result when it is awaitable, normalizes the value into the envelope, and
// converts exceptions into Output(score=0.0). The final statement is the
// bare expression `result`, which the sandbox backend reports as the
// program's return value.
package wrapper

import (
	_ "embed"
	"strings"
)

//go:embed prelude.py
var prelude string

//go:embed epilogue.py
var epilogue string

// Wrap returns the program for code with params bound to args. It is pure
// and deterministic: the same inputs always produce the same bytes.
func Wrap(code string, params map[string]any) string {
	var b strings.Builder
	b.Grow(len(prelude) + len(code) + len(epilogue) + 64)

	b.WriteString(prelude)
	if len(params) > 0 {
		b.WriteString("args = ")
		b.WriteString(Literal(params))
		b.WriteString("\n")
	}
	b.WriteString(code)
	b.WriteString(epilogue)
	return b.String()
}

// Prelude returns the fixed program prefix.
func Prelude() string { return prelude }

// Epilogue returns the fixed program suffix.
func Epilogue() string { return epilogue }
