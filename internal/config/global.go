package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

const GlobalFileName = "config.toml"

// Runner defaults.
const (
	DefaultConcurrency  = 1
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultEventTrigger = "task.status_changed"
)

// Global models ~/.gaffer/config.toml: the runner catalog shared by every
// workspace on the machine.
type Global struct {
	Runners map[string]Runner `toml:"runners"`
}

// Runner describes how a worker turns a matched event into a process.
type Runner struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args,omitempty"`
	Concurrency int               `toml:"concurrency,omitempty"`
	On          string            `toml:"on,omitempty"`
	MaxAttempts int               `toml:"max_attempts,omitempty"`
	BaseDelay   Duration          `toml:"base_delay,omitempty"`
	MaxDelay    Duration          `toml:"max_delay,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
}

// EffectiveConcurrency is the run slot budget, at least 1.
func (r Runner) EffectiveConcurrency() int {
	if r.Concurrency < 1 {
		return DefaultConcurrency
	}
	return r.Concurrency
}

// EventType is the event the runner subscribes to.
func (r Runner) EventType() string {
	if r.On == "" {
		return DefaultEventTrigger
	}
	return r.On
}

// Attempts is the maximum number of attempts per run.
func (r Runner) Attempts() int {
	if r.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

// Base is the first retry delay.
func (r Runner) Base() time.Duration {
	if r.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return time.Duration(r.BaseDelay)
}

// Cap is the retry delay ceiling.
func (r Runner) Cap() time.Duration {
	if r.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return time.Duration(r.MaxDelay)
}

// ExpandedEnv renders the env table as KEY=VALUE pairs with ${VAR} references
// resolved through lookup; unknown variables expand empty. Keys come out
// sorted so spawns are reproducible.
func (r Runner) ExpandedEnv(lookup func(string) string) []string {
	if len(r.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(r.Env[k], lookup))
	}
	return out
}

// Validate checks every runner has a command and a known shape.
func (g *Global) Validate() error {
	for name, r := range g.Runners {
		if name == "" {
			return fmt.Errorf("config.runners contains an empty name")
		}
		if r.Command == "" {
			return fmt.Errorf("runner %s: command is required", name)
		}
		if r.Concurrency < 0 {
			return fmt.Errorf("runner %s: concurrency must be positive", name)
		}
		if r.MaxAttempts < 0 {
			return fmt.Errorf("runner %s: max_attempts must be positive", name)
		}
	}
	return nil
}

// Runner returns the named runner config.
func (g *Global) Runner(name string) (Runner, bool) {
	if g == nil {
		return Runner{}, false
	}
	r, ok := g.Runners[name]
	return r, ok
}

// LoadGlobal reads the runner catalog. A missing file is an empty, valid
// catalog.
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Global{Runners: map[string]Runner{}}, nil
		}
		return nil, err
	}
	return GlobalFromTOML(data)
}

// GlobalFromTOML parses and validates the runner catalog.
func GlobalFromTOML(data []byte) (*Global, error) {
	var g Global
	if err := toml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if g.Runners == nil {
		g.Runners = map[string]Runner{}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGlobal writes the runner catalog back to disk.
func SaveGlobal(path string, g *Global) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(g); err != nil {
		return fmt.Errorf("encode config toml: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
