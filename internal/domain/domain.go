package domain

// Status is the lifecycle status of a service request.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority of a service request. Escalation bumps it one level.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Bump returns the next priority level up.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	}
	return PriorityHigh
}

// Creator records who opened a request; immutable after creation.
type Creator struct {
	ActorID          string `json:"actor_id"`
	ActorRole        string `json:"actor_role"`
	OnBehalfOfClient bool   `json:"on_behalf_of_client"`
}

// ServiceRequest is the unit of work routed through role stages.
type ServiceRequest struct {
	ID           string            `json:"id"`
	WorkflowType string            `json:"workflow_type"`
	CurrentRole  string            `json:"current_role"`
	Status       Status            `json:"status" enum:"open,in_progress,blocked,completed,cancelled"`
	Creator      Creator           `json:"creator"`
	ClientID     string            `json:"client_id"`
	Priority     Priority          `json:"priority" enum:"low,medium,high"`
	StateData    map[string]string `json:"state_data,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

// CloneStateData copies state_data so snapshots never share the map.
func (r ServiceRequest) CloneStateData() map[string]string {
	return CloneStateData(r.StateData)
}

// CloneStateData copies a state_data map; nil stays nil.
func CloneStateData(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
)

// AuditEntry is a write-once record of a transition attempt.
type AuditEntry struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Action    string `json:"action"`
	FromRole  string `json:"from_role,omitempty"`
	ToRole    string `json:"to_role,omitempty"`
	Outcome   string `json:"outcome" enum:"granted,denied"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

// AuditFilter narrows audit trail reads. From/To are RFC3339 bounds,
// inclusive; empty fields match everything.
type AuditFilter struct {
	RequestID string
	ActorID   string
	From      string
	To        string
	Limit     int
}

// APIKey authenticates a machine caller as a role-bound actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
