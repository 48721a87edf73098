package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseline/internal/audit"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine/permission"
	"caseline/internal/executor"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/workflow"
)

// PersistenceClass for request writes in the executor.
const PersistenceClass = "persistence-write"

// ActionCreate is audited like stage actions but handled before a request exists.
const ActionCreate = "create"

// ActionView gates read access per workflow type.
const ActionView = "view"

// dailyWindow is the rolling window daily action limits are counted over.
const dailyWindow = 24 * time.Hour

// Actor identifies who is attempting an operation.
type Actor struct {
	ID   string
	Role string
}

// CreateRequestInput describes a request to open.
type CreateRequestInput struct {
	WorkflowType     string
	Actor            Actor
	OnBehalfOfClient bool
	ClientID         string
	Priority         domain.Priority
	Payload          map[string]string
}

// TransitionInput describes one transition attempt.
type TransitionInput struct {
	RequestID string
	Actor     Actor
	Action    string
	Payload   map[string]string
}

// Engine is the orchestration facade. It composes the pure state machine
// with the record store, the audit ledger, the retry executor and the
// notifier, and serializes writes per request id.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  *audit.Ledger
	Exec    *executor.Executor
	Machine workflow.Machine
	Perms   *permission.Engine
	Notify  notify.Dispatcher
	Config  *config.Config
	Now     func() time.Time

	locks *sync.Map
}

// New wires an engine from an open database and validated config.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	defs, err := workflow.Compile(cfg)
	if err != nil {
		return Engine{}, err
	}
	perms := permission.New(cfg)
	exec := executor.FromConfig(cfg)
	r := repo.Repo{DB: db}
	var dispatcher notify.Dispatcher = notify.Discard{}
	if len(cfg.Notifications.Webhooks) > 0 {
		dispatcher = notify.NewWebhookDispatcher(cfg)
	}
	return Engine{
		DB:      db,
		Repo:    r,
		Ledger:  audit.NewLedger(r, exec),
		Exec:    exec,
		Machine: workflow.Machine{Defs: defs, Perms: perms},
		Perms:   perms,
		Notify:  dispatcher,
		Config:  cfg,
		Now:     time.Now,
		locks:   &sync.Map{},
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lock serializes transitions per request id. The returned func releases it.
func (e Engine) lock(requestID string) func() {
	v, _ := e.locks.LoadOrStore(requestID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// dailyCount returns how many granted actions the role already performed in
// the rolling window, or 0 when the grant carries no limit.
func (e Engine) dailyCount(ctx context.Context, actor Actor, action, workflowType string) (int, error) {
	if e.Perms.DailyLimit(actor.Role, action, workflowType) == nil {
		return 0, nil
	}
	since := e.now().Add(-dailyWindow)
	return e.Repo.DailyActionCount(ctx, actor.Role, action, workflowType, since)
}

// CreateRequest opens a new request at the first stage of its workflow type.
func (e Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (domain.ServiceRequest, error) {
	def, ok := e.Machine.Defs[in.WorkflowType]
	if !ok {
		return domain.ServiceRequest{}, workflow.Validation(fmt.Sprintf("unknown workflow type %q", in.WorkflowType))
	}
	if in.Actor.ID == "" || in.Actor.Role == "" {
		return domain.ServiceRequest{}, workflow.Validation("actor id and role are required")
	}
	if in.OnBehalfOfClient && in.ClientID == "" {
		return domain.ServiceRequest{}, workflow.Validation("client_id is required when creating on behalf of a client")
	}
	if err := workflow.ValidatePayload(in.Payload); err != nil {
		return domain.ServiceRequest{}, err
	}
	count, err := e.dailyCount(ctx, in.Actor, ActionCreate, in.WorkflowType)
	if err != nil {
		return domain.ServiceRequest{}, &workflow.TransitionError{Kind: workflow.KindPersistenceFailed, Reason: err.Error()}
	}
	decision := e.Perms.Authorize(in.Actor.Role, ActionCreate, in.WorkflowType, count)
	if !decision.Allowed {
		e.Ledger.Record(ctx, domain.AuditEntry{
			ActorID:   in.Actor.ID,
			ActorRole: in.Actor.Role,
			Action:    ActionCreate,
			ToRole:    def.FirstStage(),
			Outcome:   domain.OutcomeDenied,
			Reason:    decision.Reason,
			TS:        e.nowRFC3339(),
		})
		return domain.ServiceRequest{}, workflow.Forbidden(decision.Reason)
	}

	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	now := e.nowRFC3339()
	req := domain.ServiceRequest{
		ID:           uuid.NewString(),
		WorkflowType: in.WorkflowType,
		CurrentRole:  def.FirstStage(),
		Status:       domain.StatusOpen,
		Creator: domain.Creator{
			ActorID:          in.Actor.ID,
			ActorRole:        in.Actor.Role,
			OnBehalfOfClient: in.OnBehalfOfClient,
		},
		ClientID:  in.ClientID,
		Priority:  priority,
		StateData: domain.CloneStateData(in.Payload),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.Exec.Execute(ctx, PersistenceClass, func(ctx context.Context) error {
		return e.Repo.InsertRequest(ctx, req)
	})
	if err != nil {
		e.Ledger.Record(ctx, domain.AuditEntry{
			RequestID: req.ID,
			ActorID:   in.Actor.ID,
			ActorRole: in.Actor.Role,
			Action:    ActionCreate,
			ToRole:    req.CurrentRole,
			Outcome:   domain.OutcomeDenied,
			Reason:    string(workflow.KindPersistenceFailed),
			TS:        e.nowRFC3339(),
		})
		return domain.ServiceRequest{}, &workflow.TransitionError{Kind: workflow.KindPersistenceFailed, Reason: err.Error(), Err: err}
	}
	e.Ledger.Record(ctx, domain.AuditEntry{
		RequestID: req.ID,
		ActorID:   in.Actor.ID,
		ActorRole: in.Actor.Role,
		Action:    ActionCreate,
		ToRole:    req.CurrentRole,
		Outcome:   domain.OutcomeGranted,
		TS:        now,
	})
	e.notifyAsync(notify.Message{
		Template:      notify.TemplateRequestCreated,
		RequestID:     req.ID,
		WorkflowType:  req.WorkflowType,
		RecipientRole: req.CurrentRole,
		ActorID:       in.Actor.ID,
		Action:        ActionCreate,
		TS:            now,
	})
	return req, nil
}

// Transition applies one action to a request. Exactly one audit entry is
// recorded per attempt, granted or denied; notification failures never roll
// the transition back.
func (e Engine) Transition(ctx context.Context, in TransitionInput) (domain.ServiceRequest, error) {
	action, err := workflow.ParseAction(in.Action)
	if err != nil {
		e.Ledger.Record(ctx, domain.AuditEntry{
			RequestID: in.RequestID,
			ActorID:   in.Actor.ID,
			ActorRole: in.Actor.Role,
			Action:    in.Action,
			Outcome:   domain.OutcomeDenied,
			Reason:    string(workflow.KindInvalidAction),
			TS:        e.nowRFC3339(),
		})
		return domain.ServiceRequest{}, &workflow.TransitionError{Kind: workflow.KindInvalidAction, Reason: err.Error()}
	}
	unlock := e.lock(in.RequestID)
	defer unlock()

	req, err := e.Repo.GetRequest(ctx, in.RequestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ServiceRequest{}, &workflow.TransitionError{Kind: workflow.KindNotFound, Reason: fmt.Sprintf("request %s not found", in.RequestID)}
		}
		return domain.ServiceRequest{}, err
	}
	count, err := e.dailyCount(ctx, in.Actor, string(action), req.WorkflowType)
	if err != nil {
		return domain.ServiceRequest{}, &workflow.TransitionError{Kind: workflow.KindPersistenceFailed, Reason: err.Error()}
	}

	next, applyErr := e.Machine.Apply(req, in.Actor.Role, in.Actor.ID, action, in.Payload, count)
	if applyErr != nil {
		e.Ledger.Record(ctx, e.entry(req, in, action, req.CurrentRole, domain.OutcomeDenied, reasonOf(applyErr)))
		return domain.ServiceRequest{}, applyErr
	}

	next.UpdatedAt = e.nowRFC3339()
	newVersion, saveErr := executor.Do(ctx, e.Exec, PersistenceClass, func(ctx context.Context) (int64, error) {
		v, err := e.Repo.SaveRequest(ctx, next, req.Version)
		if err != nil && (errors.Is(err, repo.ErrVersionConflict) || errors.Is(err, repo.ErrNotFound)) {
			return 0, executor.Fatal(err)
		}
		return v, err
	})
	if saveErr != nil {
		kind := workflow.KindPersistenceFailed
		if errors.Is(saveErr, repo.ErrVersionConflict) {
			kind = workflow.KindStaleVersion
		}
		e.Ledger.Record(ctx, e.entry(req, in, action, next.CurrentRole, domain.OutcomeDenied, string(kind)))
		return domain.ServiceRequest{}, &workflow.TransitionError{Kind: kind, Reason: saveErr.Error(), Err: saveErr}
	}
	next.Version = newVersion

	e.Ledger.Record(ctx, e.entry(req, in, action, next.CurrentRole, domain.OutcomeGranted, ""))

	template := notify.TemplateStageAdvanced
	if next.Status.Terminal() {
		template = notify.TemplateRequestClosed
	}
	e.notifyAsync(notify.Message{
		Template:      template,
		RequestID:     next.ID,
		WorkflowType:  next.WorkflowType,
		RecipientRole: next.CurrentRole,
		ActorID:       in.Actor.ID,
		Action:        string(action),
		Params:        map[string]string{"status": string(next.Status)},
		TS:            next.UpdatedAt,
	})
	return next, nil
}

func (e Engine) entry(req domain.ServiceRequest, in TransitionInput, action workflow.Action, toRole, outcome, reason string) domain.AuditEntry {
	return domain.AuditEntry{
		RequestID: req.ID,
		ActorID:   in.Actor.ID,
		ActorRole: in.Actor.Role,
		Action:    string(action),
		FromRole:  req.CurrentRole,
		ToRole:    toRole,
		Outcome:   outcome,
		Reason:    reason,
		TS:        e.nowRFC3339(),
	}
}

func reasonOf(err error) string {
	var terr *workflow.TransitionError
	if errors.As(err, &terr) {
		if terr.Kind == workflow.KindForbidden {
			return terr.Reason
		}
		return string(terr.Kind)
	}
	return err.Error()
}

// notifyAsync delivers best-effort in the background through the executor's
// notification policy. Detached from the request context so in-flight
// deliveries survive the HTTP request ending.
func (e Engine) notifyAsync(msg notify.Message) {
	if e.Notify == nil {
		return
	}
	go func() {
		_ = e.Exec.Execute(context.Background(), notify.OperationClass, func(ctx context.Context) error {
			return e.Notify.Dispatch(ctx, msg)
		})
	}()
}

// GetRequest loads one request if the actor's role holds a view grant for
// its workflow type.
func (e Engine) GetRequest(ctx context.Context, actor Actor, id string) (domain.ServiceRequest, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ServiceRequest{}, &workflow.TransitionError{Kind: workflow.KindNotFound, Reason: fmt.Sprintf("request %s not found", id)}
	}
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if d := e.Perms.Authorize(actor.Role, ActionView, req.WorkflowType, 0); !d.Allowed {
		return domain.ServiceRequest{}, workflow.Forbidden(d.Reason)
	}
	return req, nil
}

// ListRequests returns requests matching the filter, newest first, limited
// to workflow types the actor's role may view.
func (e Engine) ListRequests(ctx context.Context, actor Actor, f repo.RequestFilter) ([]domain.ServiceRequest, error) {
	if f.WorkflowType != "" {
		if d := e.Perms.Authorize(actor.Role, ActionView, f.WorkflowType, 0); !d.Allowed {
			return nil, workflow.Forbidden(d.Reason)
		}
		return e.Repo.ListRequests(ctx, f)
	}
	items, err := e.Repo.ListRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	visible := make([]domain.ServiceRequest, 0, len(items))
	for _, item := range items {
		if e.Perms.Authorize(actor.Role, ActionView, item.WorkflowType, 0).Allowed {
			visible = append(visible, item)
		}
	}
	return visible, nil
}

// AuditTrail reads the ledger. Callers gate access via AuthorizeAdmin.
func (e Engine) AuditTrail(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	return e.Ledger.Query(ctx, f)
}

// AuthorizeAdmin checks an administrative grant such as audit.read or
// circuit.reset under the administration scope.
func (e Engine) AuthorizeAdmin(role, action string) error {
	decision := e.Perms.Authorize(role, action, config.AdministrationScope, 0)
	if !decision.Allowed {
		return permission.ForbiddenError{Role: role, Action: action, Reason: decision.Reason}
	}
	return nil
}

// ResetCircuit closes the breaker for an operation class.
func (e Engine) ResetCircuit(class string) {
	e.Exec.ResetCircuit(class)
}

// CircuitStates reports the current breaker state per operation class.
func (e Engine) CircuitStates() map[string]string {
	return e.Exec.CircuitStates()
}

// AuditWriteFailures reports ledger entries that could not be made durable.
func (e Engine) AuditWriteFailures() int64 {
	return e.Ledger.WriteFailures()
}
