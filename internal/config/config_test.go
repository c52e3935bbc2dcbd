package config_test

import (
	"testing"
	"time"

	"gaffer/internal/config"
)

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
default_project: api
default_actor: alice
lease_ttl: 30m
event_page_size: 25
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.DefaultProject != "api" || cfg.DefaultActor != "alice" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TTL() != 30*time.Minute {
		t.Fatalf("ttl = %v, want 30m", cfg.TTL())
	}
	if cfg.PageSize() != 25 {
		t.Fatalf("page size = %d, want 25", cfg.PageSize())
	}
}

func TestFromYAMLBadDuration(t *testing.T) {
	if _, err := config.FromYAML([]byte("lease_ttl: nonsense\n")); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestNilConfigDefaults(t *testing.T) {
	var cfg *config.Config
	if cfg.TTL() != config.DefaultLeaseTTL {
		t.Fatalf("nil config ttl = %v", cfg.TTL())
	}
	if cfg.PageSize() != config.DefaultEventPageSize {
		t.Fatalf("nil config page size = %d", cfg.PageSize())
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template does not parse: %v", err)
	}
	if cfg.TTL() != config.DefaultLeaseTTL {
		t.Fatalf("default ttl = %v", cfg.TTL())
	}
}

func TestGlobalFromTOML(t *testing.T) {
	g, err := config.GlobalFromTOML([]byte(`
[runners.plan-review]
command = "review-agent"
args = ["--task", "{task.id}", "--context", "{output}"]
concurrency = 2
on = "task.status_changed"
max_attempts = 5
base_delay = "2s"
max_delay = "1m"

[runners.plan-review.env]
REVIEW_HOME = "${GAFFER_TEST_HOME}/reviews"
MODE = "strict"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, ok := g.Runner("plan-review")
	if !ok {
		t.Fatal("runner plan-review missing")
	}
	if r.Command != "review-agent" || len(r.Args) != 4 {
		t.Fatalf("unexpected runner: %+v", r)
	}
	if r.EffectiveConcurrency() != 2 || r.Attempts() != 5 {
		t.Fatalf("unexpected limits: %+v", r)
	}
	if r.Base() != 2*time.Second || r.Cap() != time.Minute {
		t.Fatalf("unexpected delays: base=%v cap=%v", r.Base(), r.Cap())
	}

	env := r.ExpandedEnv(func(key string) string {
		if key == "GAFFER_TEST_HOME" {
			return "/srv"
		}
		return ""
	})
	if len(env) != 2 {
		t.Fatalf("env = %v", env)
	}
	// Keys are sorted, so MODE comes first.
	if env[0] != "MODE=strict" || env[1] != "REVIEW_HOME=/srv/reviews" {
		t.Fatalf("env = %v", env)
	}
}

func TestGlobalDefaults(t *testing.T) {
	g, err := config.GlobalFromTOML([]byte("[runners.min]\ncommand = \"echo\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, _ := g.Runner("min")
	if r.EffectiveConcurrency() != config.DefaultConcurrency {
		t.Fatalf("concurrency = %d", r.EffectiveConcurrency())
	}
	if r.EventType() != config.DefaultEventTrigger {
		t.Fatalf("event type = %q", r.EventType())
	}
	if r.Attempts() != config.DefaultMaxAttempts {
		t.Fatalf("attempts = %d", r.Attempts())
	}
	if r.Base() != config.DefaultBaseDelay || r.Cap() != config.DefaultMaxDelay {
		t.Fatalf("delays: base=%v cap=%v", r.Base(), r.Cap())
	}
}

func TestGlobalMissingCommand(t *testing.T) {
	if _, err := config.GlobalFromTOML([]byte("[runners.broken]\nconcurrency = 1\n")); err == nil {
		t.Fatal("expected error for runner without command")
	}
}

func TestGlobalUnknownEnvVarExpandsEmpty(t *testing.T) {
	g, err := config.GlobalFromTOML([]byte("[runners.r]\ncommand = \"x\"\n[runners.r.env]\nA = \"${DOES_NOT_EXIST_ANYWHERE}suffix\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, _ := g.Runner("r")
	env := r.ExpandedEnv(func(string) string { return "" })
	if env[0] != "A=suffix" {
		t.Fatalf("env = %v", env)
	}
}
