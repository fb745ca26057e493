package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coachline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour || cfg.Auth.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected ttls %v %v", cfg.Auth.TokenTTL, cfg.Auth.RefreshTTL)
	}
	rules, err := cfg.Rules()
	if err != nil || len(rules) == 0 {
		t.Fatalf("expected built-in rules, got %d %v", len(rules), err)
	}
	if len(cfg.Catalogue()) != 7 {
		t.Fatalf("expected built-in catalogue of 7 agents, got %d", len(cfg.Catalogue()))
	}
}

func TestFromYAMLOverridesAndKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
service:
  addr: 0.0.0.0:9000
  storage: memory
agents:
  default_timeout: 5s
  catalogue:
    - id: coach-lite
      type: coaching_agent
      name: Coach Lite
      output_types: [coaching_message]
      max_concurrent: 2
      expected_latency: 1s
permissions:
  rules:
    - id: profile_view_any
      resource: user_profile
      action: view
      statuses: [active]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Service.Addr != "0.0.0.0:9000" || cfg.Service.Storage != config.StorageMemory {
		t.Fatalf("service not applied: %+v", cfg.Service)
	}
	if cfg.Auth.PBKDF2Iterations != 210000 {
		t.Fatalf("auth defaults lost: %+v", cfg.Auth)
	}
	if cfg.Agents.DefaultTimeout != 5*time.Second || len(cfg.Catalogue()) != 1 {
		t.Fatalf("agents not applied: %+v", cfg.Agents)
	}
	rules, err := cfg.Rules()
	if err != nil || len(rules) != 1 || rules[0].ID != "profile_view_any" {
		t.Fatalf("rules not applied: %v %v", rules, err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "service:\n  port: 1\n",
		"bad storage":       "service:\n  storage: redis\n",
		"empty secret":      "auth:\n  jwt_secret: \"\"\n",
		"short refresh":     "auth:\n  token_ttl: 2h\n  refresh_ttl: 1h\n",
		"weak kdf":          "auth:\n  pbkdf2_iterations: 10\n",
		"unknown rule enum": "permissions:\n  rules:\n    - id: x\n      resource: spaceship\n      action: view\n",
		"callback status":   "callbacks:\n  statuses: [processing]\n",
		"callback attempts": "callbacks:\n  attempts: 0\n",
		"duplicate agent": `agents:
  catalogue:
    - {id: a, type: coaching_agent, name: A, output_types: [coaching_message]}
    - {id: a, type: coaching_agent, name: B, output_types: [coaching_message]}
`,
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "coachline.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COACHLINE_AUTH_JWT_SECRET", "from-env-secret")
	t.Setenv("COACHLINE_AGENTS_DEFAULT_TIMEOUT", "12s")
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env-secret" || cfg.Agents.DefaultTimeout != 12*time.Second {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Auth, cfg.Agents)
	}
	if cfg.Service.Workspace != dir {
		t.Fatalf("workspace should default to load dir, got %q", cfg.Service.Workspace)
	}

	t.Setenv("COACHLINE_AGENTS_DEFAULT_TIMEOUT", "soon")
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "environment") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Storage != config.StorageSQLite {
		t.Fatalf("expected sqlite default, got %q", cfg.Service.Storage)
	}
}
