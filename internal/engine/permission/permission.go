package permission

import (
	"fmt"

	"caseline/internal/config"
)

// Reasons returned with denied decisions.
const (
	ReasonNoMatchingGrant    = "no_matching_grant"
	ReasonDailyLimitExceeded = "daily_limit_exceeded"
)

// ForbiddenError indicates a denied action.
type ForbiddenError struct {
	Role   string
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not %s: %s", e.Role, e.Action, e.Reason)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

type grantKey struct {
	Role         string
	Action       string
	WorkflowType string
}

type grant struct {
	dailyLimit *int
}

// Engine answers (role, action, workflow_type) lookups against an immutable
// matrix. It holds no mutable state and performs no I/O; identical inputs
// always yield identical decisions.
type Engine struct {
	grants map[grantKey]grant
}

// New builds the matrix from config. The config is copied into an internal
// map; later config mutation cannot affect the engine.
func New(cfg *config.Config) *Engine {
	grants := make(map[grantKey]grant)
	if cfg != nil {
		for role, byType := range cfg.Permissions.Roles {
			for wt, actions := range byType {
				for action, g := range actions {
					var limit *int
					if g.DailyLimit != nil {
						v := *g.DailyLimit
						limit = &v
					}
					grants[grantKey{Role: role, Action: action, WorkflowType: wt}] = grant{dailyLimit: limit}
				}
			}
		}
	}
	return &Engine{grants: grants}
}

// Authorize decides whether role may perform action on workflowType given the
// number of times it already performed it within the rolling day. Unknown
// combinations deny (fail-closed).
func (e *Engine) Authorize(role, action, workflowType string, dailyCount int) Decision {
	g, ok := e.grants[grantKey{Role: role, Action: action, WorkflowType: workflowType}]
	if !ok {
		return Decision{Allowed: false, Reason: ReasonNoMatchingGrant}
	}
	if g.dailyLimit != nil && dailyCount >= *g.dailyLimit {
		return Decision{Allowed: false, Reason: ReasonDailyLimitExceeded}
	}
	return Decision{Allowed: true}
}

// DailyLimit returns the configured limit for a grant, or nil when unlimited
// or absent. Callers use it to decide whether a daily count lookup is needed.
func (e *Engine) DailyLimit(role, action, workflowType string) *int {
	g, ok := e.grants[grantKey{Role: role, Action: action, WorkflowType: workflowType}]
	if !ok || g.dailyLimit == nil {
		return nil
	}
	v := *g.dailyLimit
	return &v
}
