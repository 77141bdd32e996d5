package spawn

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/spawnstep/internal/protocol"
)

// EnvVar is one environment override. Overrides are applied in order.
type EnvVar struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// StepConfig is the per-item configuration for one command execution.
type StepConfig struct {
	Command      string                `yaml:"command" json:"command"`
	Args         []string              `yaml:"args,omitempty" json:"args,omitempty"`
	Env          []EnvVar              `yaml:"env,omitempty" json:"env,omitempty"`
	WorkingDir   string                `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	StdoutFormat protocol.StdoutFormat `yaml:"stdout_format,omitempty" json:"stdout_format,omitempty"`
	// Timeout of zero means the runner waits for the child indefinitely.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Invocation is a fully resolved description of one process execution.
// It is built fresh for every item and used once.
type Invocation struct {
	Command string
	Args    []string
	Env     map[string]string
	// Dir is empty when the child inherits the caller's working directory.
	Dir      string
	Stdin    []byte
	HasStdin bool
	Timeout  time.Duration

	// Err records a problem found while building; Run reports it as a
	// spawn failure instead of starting the process.
	Err error
}

// Build assembles the invocation for one item. It never fails: problems are
// carried in Invocation.Err and surface at execution time.
// baseEnv is the inherited environment in KEY=VALUE form; nil means os.Environ().
func Build(cfg StepConfig, payload map[string]any, baseEnv []string) Invocation {
	if baseEnv == nil {
		baseEnv = os.Environ()
	}

	inv := Invocation{
		Command: cfg.Command,
		Args:    append([]string(nil), cfg.Args...),
		Env:     mergeEnv(baseEnv, cfg.Env),
		Dir:     strings.TrimSpace(cfg.WorkingDir),
		Timeout: cfg.Timeout,
	}

	stdin, ok, err := protocol.EncodePayload(payload)
	if err != nil {
		inv.Err = err
		return inv
	}
	inv.Stdin = stdin
	inv.HasStdin = ok
	return inv
}

func mergeEnv(base []string, overrides []EnvVar) map[string]string {
	env := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		env[name] = value
	}
	for _, o := range overrides {
		if o.Name == "" {
			continue
		}
		env[o.Name] = o.Value
	}
	return env
}

// Environ renders Env as a sorted KEY=VALUE list for exec.Cmd.
func (inv Invocation) Environ() []string {
	out := make([]string, 0, len(inv.Env))
	for k, v := range inv.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
