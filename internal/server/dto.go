package server

import (
	"caseline/internal/domain"
)

type CreateRequestRequest struct {
	WorkflowType     string            `json:"workflow_type" example:"connection_request"`
	OnBehalfOfClient bool              `json:"on_behalf_of_client,omitempty"`
	ClientID         string            `json:"client_id,omitempty"`
	Priority         string            `json:"priority,omitempty" enum:"low,medium,high"`
	StateData        map[string]string `json:"state_data,omitempty"`
}

type TransitionRequest struct {
	Action  string            `json:"action" example:"advance"`
	Payload map[string]string `json:"payload,omitempty"`
}

type CreatorResponse struct {
	ActorID          string `json:"actor_id"`
	ActorRole        string `json:"actor_role"`
	OnBehalfOfClient bool   `json:"on_behalf_of_client"`
}

type RequestResponse struct {
	ID           string            `json:"id"`
	WorkflowType string            `json:"workflow_type"`
	CurrentRole  string            `json:"current_role"`
	Status       string            `json:"status" enum:"open,in_progress,blocked,completed,cancelled"`
	Creator      CreatorResponse   `json:"creator"`
	ClientID     string            `json:"client_id,omitempty"`
	Priority     string            `json:"priority" enum:"low,medium,high"`
	StateData    map[string]string `json:"state_data,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

func requestResponse(r domain.ServiceRequest) RequestResponse {
	return RequestResponse{
		ID:           r.ID,
		WorkflowType: r.WorkflowType,
		CurrentRole:  r.CurrentRole,
		Status:       string(r.Status),
		Creator: CreatorResponse{
			ActorID:          r.Creator.ActorID,
			ActorRole:        r.Creator.ActorRole,
			OnBehalfOfClient: r.Creator.OnBehalfOfClient,
		},
		ClientID:  r.ClientID,
		Priority:  string(r.Priority),
		StateData: r.StateData,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func mapRequests(items []domain.ServiceRequest) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

type AuditEntryResponse struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Action    string `json:"action"`
	FromRole  string `json:"from_role,omitempty"`
	ToRole    string `json:"to_role,omitempty"`
	Outcome   string `json:"outcome" enum:"granted,denied"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:        e.ID,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		ActorRole: e.ActorRole,
		Action:    e.Action,
		FromRole:  e.FromRole,
		ToRole:    e.ToRole,
		Outcome:   e.Outcome,
		Reason:    e.Reason,
		TS:        e.TS,
	}
}

func mapAuditEntries(items []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, auditEntryResponse(e))
	}
	return out
}

type CircuitResponse struct {
	Class string `json:"class"`
	State string `json:"state" enum:"closed,open,half_open"`
}

type CreateAPIKeyRequest struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Name      string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
