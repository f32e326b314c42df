package sandbox

import (
	"strings"

	"github.com/rhuss/pysandbox/pkg/api"
)

// Environ filters environ (in os.Environ form) down to the variables p
// allows. A nil or denied permission selects nothing.
func Environ(p *api.Permission, environ []string) []string {
	if !p.Allowed() {
		return nil
	}
	if p.Unrestricted() {
		return append([]string(nil), environ...)
	}

	allowed := make(map[string]bool, len(p.List))
	for _, name := range p.List {
		allowed[name] = true
	}
	var out []string
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if allowed[name] {
			out = append(out, kv)
		}
	}
	return out
}
