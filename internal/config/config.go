package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml: the org header, workflow stage definitions,
// the static permission matrix, retry/breaker policies per operation class,
// and outbound notification webhooks. Loaded once at startup; read-only after.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Workflows   map[string]WorkflowConfig `yaml:"workflows"`
	Permissions struct {
		Roles map[string]RoleGrants `yaml:"roles"`
	} `yaml:"permissions"`
	Retry struct {
		Classes map[string]RetryClass `yaml:"classes"`
	} `yaml:"retry"`
	Breaker struct {
		Classes map[string]BreakerClass `yaml:"classes"`
	} `yaml:"breaker"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// WorkflowConfig is the static stage layout of one workflow type.
// Transitions maps stage -> action -> destination stage; a stage with an
// explicit map replaces the generated defaults for that stage entirely.
type WorkflowConfig struct {
	Stages      []string                     `yaml:"stages"`
	Transitions map[string]map[string]string `yaml:"transitions"`
}

// RoleGrants maps workflow type -> action -> grant for one role.
type RoleGrants map[string]map[string]ActionGrant

// ActionGrant carries per-grant limits. A nil DailyLimit means unlimited.
type ActionGrant struct {
	DailyLimit *int `yaml:"daily_limit"`
}

// RetryClass configures the executor for one operation class.
type RetryClass struct {
	Strategy    string  `yaml:"strategy"`
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	Jitter      bool    `yaml:"jitter"`
	DeadlineMS  int     `yaml:"deadline_ms"`
}

// BreakerClass configures the circuit breaker for one operation class.
type BreakerClass struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	SuccessThreshold  int `yaml:"success_threshold"`
	RecoveryTimeoutMS int `yaml:"recovery_timeout_ms"`
}

// WebhookConfig is one outbound notification endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Templates      []string `yaml:"templates"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Actions every workflow stage may declare, plus the administrative ones
// scoped under the pseudo workflow type "administration".
var knownActions = map[string]bool{
	"create":          true,
	"view":            true,
	"advance":         true,
	"assign_directly": true,
	"return":          true,
	"escalate":        true,
	"cancel":          true,
}

var knownAdminActions = map[string]bool{
	"circuit.reset": true,
	"audit.read":    true,
	"apikey.manage": true,
}

var knownStrategies = map[string]bool{
	"exponential": true,
	"linear":      true,
	"fixed":       true,
	"immediate":   true,
	"none":        true,
}

// AdministrationScope is the pseudo workflow type for administrative grants.
const AdministrationScope = "administration"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// Validate ensures the config meets required structure. Workflow semantics
// (reachability, destinations) are checked separately at compile time.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for wt, wf := range c.Workflows {
		if wt == "" {
			return fmt.Errorf("config.workflows contains empty workflow type")
		}
		if len(wf.Stages) == 0 {
			return fmt.Errorf("workflow %s has no stages", wt)
		}
		seen := map[string]bool{}
		for _, stage := range wf.Stages {
			if stage == "" {
				return fmt.Errorf("workflow %s has empty stage", wt)
			}
			if seen[stage] {
				return fmt.Errorf("workflow %s repeats stage %s", wt, stage)
			}
			seen[stage] = true
		}
		for stage, actions := range wf.Transitions {
			if !seen[stage] {
				return fmt.Errorf("workflow %s transitions reference unknown stage %s", wt, stage)
			}
			for action := range actions {
				if !knownActions[action] || action == "create" || action == "view" {
					return fmt.Errorf("workflow %s stage %s has invalid action %s", wt, stage, action)
				}
			}
		}
	}
	if len(c.Permissions.Roles) == 0 {
		return fmt.Errorf("config.permissions.roles is required")
	}
	for role, grants := range c.Permissions.Roles {
		if role == "" {
			return fmt.Errorf("config.permissions.roles contains empty role")
		}
		for wt, actions := range grants {
			if wt == AdministrationScope {
				for action := range actions {
					if !knownAdminActions[action] {
						return fmt.Errorf("role %s has unknown administrative action %s", role, action)
					}
				}
				continue
			}
			if _, ok := c.Workflows[wt]; !ok {
				return fmt.Errorf("role %s references unknown workflow type %s", role, wt)
			}
			for action, grant := range actions {
				if !knownActions[action] {
					return fmt.Errorf("role %s has unknown action %s", role, action)
				}
				if grant.DailyLimit != nil && *grant.DailyLimit < 1 {
					return fmt.Errorf("role %s action %s has non-positive daily limit", role, action)
				}
			}
		}
	}
	for class, rc := range c.Retry.Classes {
		if class == "" {
			return fmt.Errorf("config.retry.classes contains empty class")
		}
		if rc.Strategy != "" && !knownStrategies[rc.Strategy] {
			return fmt.Errorf("retry class %s has unknown strategy %s", class, rc.Strategy)
		}
		if rc.MaxAttempts < 0 {
			return fmt.Errorf("retry class %s has negative max_attempts", class)
		}
		if rc.Multiplier != 0 && rc.Multiplier < 1 {
			return fmt.Errorf("retry class %s has multiplier < 1", class)
		}
	}
	for class, bc := range c.Breaker.Classes {
		if class == "" {
			return fmt.Errorf("config.breaker.classes contains empty class")
		}
		if bc.FailureThreshold < 1 {
			return fmt.Errorf("breaker class %s needs failure_threshold >= 1", class)
		}
		if bc.SuccessThreshold < 1 {
			return fmt.Errorf("breaker class %s needs success_threshold >= 1", class)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, orgID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for an org.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

const defaultTemplate = `org:
  id: %s
  name: Default Org

workflows:
  connection_request:
    stages: [manager, junior_manager, controller, technician, warehouse]
    transitions:
      manager:
        advance: junior_manager
        assign_directly: technician
        escalate: manager
        cancel: ""
  technical_service:
    stages: [call_center_operator, controller, technician]
  call_center_direct:
    stages: [call_center_operator, call_center_supervisor, manager]

permissions:
  roles:
    manager:
      connection_request:
        create: {}
        view: {}
        advance: {}
        assign_directly: {}
        return: {}
        escalate: {}
        cancel: {}
      call_center_direct:
        view: {}
        advance: {}
        cancel: {}
      administration:
        audit.read: {}
    junior_manager:
      connection_request:
        view: {}
        advance:
          daily_limit: 40
        return: {}
    controller:
      connection_request:
        view: {}
        advance: {}
        return: {}
      technical_service:
        view: {}
        advance: {}
        return: {}
        escalate: {}
    technician:
      connection_request:
        view: {}
        advance:
          daily_limit: 30
        return: {}
      technical_service:
        view: {}
        advance: {}
        return: {}
    warehouse:
      connection_request:
        view: {}
        advance: {}
    call_center_operator:
      technical_service:
        create:
          daily_limit: 100
        view: {}
        advance: {}
      call_center_direct:
        create: {}
        view: {}
        advance: {}
    call_center_supervisor:
      call_center_direct:
        view: {}
        advance: {}
        return: {}
        escalate: {}
        cancel: {}
      technical_service:
        view: {}
        escalate: {}
      administration:
        audit.read: {}
    accountant:
      connection_request:
        view: {}
      technical_service:
        view: {}
      call_center_direct:
        view: {}
    admin:
      connection_request:
        view: {}
        cancel: {}
      technical_service:
        view: {}
        cancel: {}
      call_center_direct:
        view: {}
        cancel: {}
      administration:
        circuit.reset: {}
        audit.read: {}
        apikey.manage: {}

retry:
  classes:
    persistence-write:
      strategy: exponential
      max_attempts: 3
      base_delay_ms: 50
      max_delay_ms: 1000
      multiplier: 2
      deadline_ms: 5000
    notification-dispatch:
      strategy: exponential
      max_attempts: 3
      base_delay_ms: 200
      max_delay_ms: 5000
      multiplier: 2
      jitter: true
      deadline_ms: 15000
    audit-write:
      strategy: fixed
      max_attempts: 2
      base_delay_ms: 50
      deadline_ms: 2000

breaker:
  classes:
    persistence-write:
      failure_threshold: 5
      success_threshold: 2
      recovery_timeout_ms: 10000
    notification-dispatch:
      failure_threshold: 3
      success_threshold: 2
      recovery_timeout_ms: 30000
    audit-write:
      failure_threshold: 5
      success_threshold: 1
      recovery_timeout_ms: 10000

notifications:
  webhooks: []
`
