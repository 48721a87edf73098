package config_test

import (
	"os"
	"strings"
	"testing"

	"caseline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("acme")
	if cfg.Org.ID != "acme" {
		t.Fatalf("org id = %q, want acme", cfg.Org.ID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, wt := range []string{"connection_request", "technical_service", "call_center_direct"} {
		if _, ok := cfg.Workflows[wt]; !ok {
			t.Fatalf("default config missing workflow %s", wt)
		}
	}
	for _, class := range []string{"persistence-write", "audit-write", "notification-dispatch"} {
		if _, ok := cfg.Retry.Classes[class]; !ok {
			t.Fatalf("default config missing retry class %s", class)
		}
		if _, ok := cfg.Breaker.Classes[class]; !ok {
			t.Fatalf("default config missing breaker class %s", class)
		}
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("acme")))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Org.ID != "acme" {
		t.Fatalf("org id = %q, want acme", cfg.Org.ID)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	base := `
org:
  id: acme
workflows:
  ticket:
    stages: [intake, triage]
permissions:
  roles:
    operator:
      ticket:
        create: {}
        advance: {}
`
	valid, err := config.FromYAML([]byte(base))
	if err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
	if len(valid.Workflows["ticket"].Stages) != 2 {
		t.Fatalf("stages = %v", valid.Workflows["ticket"].Stages)
	}

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing org id", strings.Replace(base, "id: acme", "name: acme", 1), "org.id"},
		{"duplicate stage", strings.Replace(base, "[intake, triage]", "[intake, intake]", 1), "repeats stage"},
		{"unknown grant action", strings.Replace(base, "advance: {}", "approve: {}", 1), "unknown action"},
		{"unknown workflow in grant", strings.Replace(base, "      ticket:", "      billing:", 1), "unknown workflow type"},
		{
			"daily limit below one",
			strings.Replace(base, "create: {}", "create: {daily_limit: 0}", 1),
			"non-positive daily limit",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateTransitionsAndClasses(t *testing.T) {
	mk := func(mutate func(*config.Config)) error {
		cfg := config.Default("acme")
		mutate(cfg)
		return cfg.Validate()
	}

	err := mk(func(c *config.Config) {
		wf := c.Workflows["connection_request"]
		wf.Transitions = map[string]map[string]string{"dispatcher": {"advance": "manager"}}
		c.Workflows["connection_request"] = wf
	})
	if err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("want unknown stage error, got %v", err)
	}

	err = mk(func(c *config.Config) {
		wf := c.Workflows["connection_request"]
		wf.Transitions = map[string]map[string]string{"manager": {"create": ""}}
		c.Workflows["connection_request"] = wf
	})
	if err == nil || !strings.Contains(err.Error(), "invalid action") {
		t.Fatalf("want invalid action error, got %v", err)
	}

	err = mk(func(c *config.Config) {
		c.Retry.Classes["persistence-write"] = config.RetryClass{Strategy: "quadratic"}
	})
	if err == nil || !strings.Contains(err.Error(), "unknown strategy") {
		t.Fatalf("want unknown strategy error, got %v", err)
	}

	err = mk(func(c *config.Config) {
		c.Retry.Classes["persistence-write"] = config.RetryClass{Strategy: "exponential", Multiplier: 0.5}
	})
	if err == nil || !strings.Contains(err.Error(), "multiplier") {
		t.Fatalf("want multiplier error, got %v", err)
	}

	err = mk(func(c *config.Config) {
		c.Breaker.Classes["persistence-write"] = config.BreakerClass{FailureThreshold: 0, SuccessThreshold: 1}
	})
	if err == nil || !strings.Contains(err.Error(), "failure_threshold") {
		t.Fatalf("want failure_threshold error, got %v", err)
	}

	err = mk(func(c *config.Config) {
		c.Notifications.Webhooks = append(c.Notifications.Webhooks, config.WebhookConfig{URL: ""})
	})
	if err == nil || !strings.Contains(err.Error(), "empty url") {
		t.Fatalf("want empty url error, got %v", err)
	}

	err = mk(func(c *config.Config) {
		c.Permissions.Roles["admin"][config.AdministrationScope] = map[string]config.ActionGrant{"server.stop": {}}
	})
	if err == nil || !strings.Contains(err.Error(), "administrative action") {
		t.Fatalf("want administrative action error, got %v", err)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config for missing file")
	}

	if _, err := config.Load(dir); err == nil {
		t.Fatal("Load should fail for missing file")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("acme")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Org.ID != "acme" {
		t.Fatalf("org id = %q", cfg.Org.ID)
	}
}
