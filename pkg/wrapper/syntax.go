package wrapper

import "strings"

const syntaxCheck = `import ast as _ast


def _check(source):
    try:
        _ast.parse(source, "<code>")
    except SyntaxError as exc:
        return {"valid": False, "error": "%s: %s (line %s)" % (type(exc).__name__, exc.msg, exc.lineno)}
    except ValueError as exc:
        return {"valid": False, "error": "%s: %s" % (type(exc).__name__, exc)}
    return {"valid": True}


_check(`

// SyntaxCheck returns a program that parses code without executing it. The
// program's final expression is a dict with a boolean "valid" and, when
// parsing fails, an "error" naming the exception, message and line.
func SyntaxCheck(code string) string {
	var b strings.Builder
	b.WriteString(syntaxCheck)
	b.WriteString(quote(code))
	b.WriteString(")\n")
	return b.String()
}
