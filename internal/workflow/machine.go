package workflow

import (
	"fmt"

	"caseline/internal/domain"
	"caseline/internal/engine/permission"
)

// ErrorKind classifies transition failures. Structural misuse and permission
// denials are never retried; infrastructure kinds are produced by the
// orchestration layer after the executor gives up.
type ErrorKind string

const (
	KindTerminal          ErrorKind = "terminal"
	KindInvalidAction     ErrorKind = "invalid_action"
	KindForbidden         ErrorKind = "forbidden"
	KindValidation        ErrorKind = "validation"
	KindStaleVersion      ErrorKind = "stale_version"
	KindPersistenceFailed ErrorKind = "persistence_failed"
	KindNotFound          ErrorKind = "not_found"
)

// TransitionError is the typed failure of a transition attempt. Err carries
// the underlying cause for infrastructure kinds.
type TransitionError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func Terminal(status domain.Status) *TransitionError {
	return &TransitionError{Kind: KindTerminal, Reason: fmt.Sprintf("request is %s", status)}
}

func InvalidAction(stage string, action Action) *TransitionError {
	return &TransitionError{Kind: KindInvalidAction, Reason: fmt.Sprintf("action %s not defined for stage %s", action, stage)}
}

func Forbidden(reason string) *TransitionError {
	return &TransitionError{Kind: KindForbidden, Reason: reason}
}

func Validation(reason string) *TransitionError {
	return &TransitionError{Kind: KindValidation, Reason: reason}
}

// Keys the core manages itself; payloads may never set them.
var reservedKeys = map[string]bool{
	"creator":       true,
	"client_id":     true,
	"workflow_type": true,
	"current_role":  true,
	"status":        true,
	"priority":      true,
	"version":       true,
}

// Machine owns the per-type definitions and the permission gate. It computes
// the next request snapshot without performing any I/O; persistence, audit
// and notification belong to the orchestration engine.
type Machine struct {
	Defs  map[string]Definition
	Perms *permission.Engine
}

// Apply runs a transition attempt against the definition for the request's
// workflow type and returns the updated snapshot. The returned request is a
// copy; the input is never mutated.
func (m Machine) Apply(req domain.ServiceRequest, actorRole, actorID string, action Action, payload map[string]string, dailyCount int) (domain.ServiceRequest, error) {
	if req.Status.Terminal() {
		return req, Terminal(req.Status)
	}
	def, ok := m.Defs[req.WorkflowType]
	if !ok {
		return req, InvalidAction(req.CurrentRole, action)
	}
	dest, ok := def.Lookup(req.CurrentRole, action)
	if !ok {
		return req, InvalidAction(req.CurrentRole, action)
	}
	decision := m.Perms.Authorize(actorRole, string(action), req.WorkflowType, dailyCount)
	if !decision.Allowed {
		return req, Forbidden(decision.Reason)
	}

	next := req
	next.StateData = req.CloneStateData()
	if err := mergeStateData(&next, payload); err != nil {
		return req, err
	}

	switch action {
	case ActionCancel:
		next.Status = domain.StatusCancelled
	case ActionAdvance:
		if dest == "" {
			next.Status = domain.StatusCompleted
		} else {
			next.Status = domain.StatusInProgress
			next.CurrentRole = dest
		}
	case ActionReturn:
		next.Status = domain.StatusBlocked
		next.CurrentRole = dest
	case ActionAssignDirectly:
		next.Status = domain.StatusInProgress
		next.CurrentRole = dest
	case ActionEscalate:
		next.Status = domain.StatusInProgress
		next.Priority = next.Priority.Bump()
		if dest != "" {
			next.CurrentRole = dest
		}
	default:
		return req, InvalidAction(req.CurrentRole, action)
	}
	return next, nil
}

// mergeStateData appends payload keys. Existing keys are append-only: setting
// a key that already holds a value is rejected, as are the core's reserved keys.
func mergeStateData(req *domain.ServiceRequest, payload map[string]string) error {
	if len(payload) == 0 {
		return nil
	}
	if req.StateData == nil {
		req.StateData = make(map[string]string, len(payload))
	}
	for k, v := range payload {
		if reservedKeys[k] {
			return Validation(fmt.Sprintf("payload key %s is reserved", k))
		}
		if _, exists := req.StateData[k]; exists {
			return Validation(fmt.Sprintf("payload key %s already set; state data is append-only", k))
		}
		req.StateData[k] = v
	}
	return nil
}

// ValidatePayload checks payload keys without applying them; used by request
// creation where the merge target is empty.
func ValidatePayload(payload map[string]string) error {
	for k := range payload {
		if reservedKeys[k] {
			return Validation(fmt.Sprintf("payload key %s is reserved", k))
		}
	}
	return nil
}
