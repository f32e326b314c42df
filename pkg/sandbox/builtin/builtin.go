// Package builtin registers every sandbox backend shipped with pysandbox.
package builtin

import (
	"github.com/rhuss/pysandbox/pkg/sandbox"
	"github.com/rhuss/pysandbox/pkg/sandbox/docker"
	"github.com/rhuss/pysandbox/pkg/sandbox/remote"
	"github.com/rhuss/pysandbox/pkg/sandbox/remote/kubernetes"
	"github.com/rhuss/pysandbox/pkg/sandbox/subprocess"
	"github.com/rhuss/pysandbox/pkg/sandbox/wasm"
)

// NewRegistry returns a registry with the subprocess, wasm, docker and
// remote backends.
func NewRegistry() *sandbox.Registry {
	r := sandbox.NewRegistry()
	r.Register(subprocess.Name, subprocess.Factory)
	r.Register(wasm.Name, wasm.Factory)
	r.Register(docker.Name, docker.Factory)
	r.Register(remote.Name, remote.NewFactory(kubernetes.FromConfig))
	return r
}
