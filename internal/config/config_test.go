package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestTaskDefaultsFallback(t *testing.T) {
	cfg := Default()
	d := cfg.TaskDefaultsFor("credit_audit")
	if d.Priority == 0 || d.MaxRetries == 0 {
		t.Fatalf("missing defaults for credit_audit: %+v", d)
	}
	cfg.Pipeline.Queue.Defaults = map[string]TaskDefaults{}
	d = cfg.TaskDefaultsFor("credit_audit")
	if d.Priority != 3 || d.MaxRetries != 3 {
		t.Fatalf("fallback defaults wrong: %+v", d)
	}
}

func TestAerialCheckRequired(t *testing.T) {
	cfg := Default()
	if !cfg.AerialCheckRequired("ppa") || !cfg.AerialCheckRequired("lease") {
		t.Fatalf("financed deals should need the aerial check")
	}
	if cfg.AerialCheckRequired("cash") || cfg.AerialCheckRequired("loan") {
		t.Fatalf("cash deals should not need the aerial check")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "unknown task type",
			mutate: func(c *Config) { c.Pipeline.Queue.Defaults["mystery"] = TaskDefaults{Priority: 3, MaxRetries: 1} },
			want:   "unknown task type",
		},
		{
			name:   "priority out of range",
			mutate: func(c *Config) { c.Pipeline.Queue.Defaults["cad_generate"] = TaskDefaults{Priority: 9, MaxRetries: 1} },
			want:   "priority must be 1-5",
		},
		{
			name:   "negative relay batch",
			mutate: func(c *Config) { c.Relay.BatchSize = -1 },
			want:   "relay",
		},
		{
			name:   "integration without keys",
			mutate: func(c *Config) { c.Integrations.Catalog["empty"] = Integration{} },
			want:   "no required keys",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("expected error containing %q, got %v", c.want, err)
			}
		})
	}
}

func TestFromYAMLRoundsTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(`
pipeline:
  queue:
    defaults:
      cad_generate: {priority: 1, max_retries: 5}
  aerial_check:
    financing_types: [lease]
relay:
  timeout_seconds: 10
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if got := cfg.TaskDefaultsFor("cad_generate"); got.Priority != 1 || got.MaxRetries != 5 {
		t.Fatalf("yaml defaults not applied: %+v", got)
	}
	if cfg.AerialCheckRequired("ppa") {
		t.Fatalf("ppa should not be configured here")
	}
	if cfg.Relay.TimeoutSeconds != 10 {
		t.Fatalf("timeout: %d", cfg.Relay.TimeoutSeconds)
	}
}
