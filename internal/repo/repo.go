package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
)

// Repo is the key-indexed record store the orchestration core writes through.
// Optimistic concurrency: every request row carries a version, and SaveRequest
// only applies when the caller's expected version still matches.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

const requestColumns = `id, workflow_type, current_role, status, creator_id, creator_role, on_behalf_of_client, client_id, priority, state_data_json, version, created_at, updated_at`

func scanRequest(scan func(...any) error) (domain.ServiceRequest, error) {
	var (
		r         domain.ServiceRequest
		onBehalf  int
		stateJSON sql.NullString
	)
	err := scan(&r.ID, &r.WorkflowType, &r.CurrentRole, &r.Status,
		&r.Creator.ActorID, &r.Creator.ActorRole, &onBehalf,
		&r.ClientID, &r.Priority, &stateJSON, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Creator.OnBehalfOfClient = onBehalf != 0
	if stateJSON.Valid && stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &r.StateData); err != nil {
			return r, fmt.Errorf("decode state data for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func marshalStateData(data map[string]string) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal state data: %w", err)
	}
	return string(b), nil
}

// InsertRequest stores a freshly created request at version 1.
func (r Repo) InsertRequest(ctx context.Context, req domain.ServiceRequest) error {
	stateJSON, err := marshalStateData(req.StateData)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.WorkflowType, req.CurrentRole, string(req.Status),
		req.Creator.ActorID, req.Creator.ActorRole, boolInt(req.Creator.OnBehalfOfClient),
		req.ClientID, string(req.Priority), stateJSON, req.Version, req.CreatedAt, req.UpdatedAt)
	return err
}

// GetRequest loads a request by id.
func (r Repo) GetRequest(ctx context.Context, id string) (domain.ServiceRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

// SaveRequest writes the snapshot when expectedVersion still matches, and
// returns the new version. Returns ErrVersionConflict when a concurrent writer
// already moved the row, ErrNotFound when the row is gone.
func (r Repo) SaveRequest(ctx context.Context, req domain.ServiceRequest, expectedVersion int64) (int64, error) {
	stateJSON, err := marshalStateData(req.StateData)
	if err != nil {
		return 0, err
	}
	newVersion := expectedVersion + 1
	res, err := r.DB.ExecContext(ctx, `UPDATE requests
SET current_role=?, status=?, priority=?, state_data_json=?, version=?, updated_at=?
WHERE id=? AND version=?`,
		req.CurrentRole, string(req.Status), string(req.Priority), stateJSON, newVersion, req.UpdatedAt,
		req.ID, expectedVersion)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		if _, err := r.GetRequest(ctx, req.ID); errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, ErrVersionConflict
	}
	return newVersion, nil
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Status       string
	WorkflowType string
	CurrentRole  string
	ClientID     string
	Limit        int
}

// ListRequests returns requests newest first.
func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.ServiceRequest, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.WorkflowType != "" {
		conds = append(conds, "workflow_type=?")
		args = append(args, f.WorkflowType)
	}
	if f.CurrentRole != "" {
		conds = append(conds, "current_role=?")
		args = append(args, f.CurrentRole)
	}
	if f.ClientID != "" {
		conds = append(conds, "client_id=?")
		args = append(args, f.ClientID)
	}
	q := `SELECT ` + requestColumns + ` FROM requests`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// InsertAuditEntry appends one row to the ledger table. Rows are never
// updated or deleted.
func (r Repo) InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_entries(request_id, actor_id, actor_role, action, from_role, to_role, outcome, reason, ts)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.RequestID, e.ActorID, e.ActorRole, e.Action,
		nullable(e.FromRole), nullable(e.ToRole), e.Outcome, nullable(e.Reason), e.TS)
	return err
}

// ListAuditEntries returns matching entries ordered by ts ascending (id as
// tiebreak so replays are stable).
func (r Repo) ListAuditEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.RequestID != "" {
		conds = append(conds, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.From != "" {
		conds = append(conds, "ts>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		conds = append(conds, "ts<=?")
		args = append(args, f.To)
	}
	q := `SELECT id, request_id, actor_id, actor_role, action, COALESCE(from_role,''), COALESCE(to_role,''), outcome, COALESCE(reason,''), ts FROM audit_entries`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY ts ASC, id ASC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ActorID, &e.ActorRole, &e.Action, &e.FromRole, &e.ToRole, &e.Outcome, &e.Reason, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DailyActionCount counts granted actions by a role on a workflow type since
// the given instant (rolling window supplied by the caller). Joined against
// requests so the workflow type of each entry is known.
func (r Repo) DailyActionCount(ctx context.Context, actorRole, action, workflowType string, since time.Time) (int, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM audit_entries a
JOIN requests q ON q.id = a.request_id
WHERE a.actor_role=? AND a.action=? AND a.outcome=? AND q.workflow_type=? AND a.ts>=?`,
		actorRole, action, domain.OutcomeGranted, workflowType, since.UTC().Format(time.RFC3339))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
