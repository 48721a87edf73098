package workflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine/permission"
	"caseline/internal/workflow"
)

func newMachine(t *testing.T) workflow.Machine {
	t.Helper()
	cfg := config.Default("org-1")
	defs, err := workflow.Compile(cfg)
	require.NoError(t, err)
	return workflow.Machine{Defs: defs, Perms: permission.New(cfg)}
}

func openRequest(stage string) domain.ServiceRequest {
	return domain.ServiceRequest{
		ID:           "req-1",
		WorkflowType: "connection_request",
		CurrentRole:  stage,
		Status:       domain.StatusOpen,
		Priority:     domain.PriorityMedium,
		Version:      1,
	}
}

func kindOf(t *testing.T, err error) workflow.ErrorKind {
	t.Helper()
	var te *workflow.TransitionError
	require.True(t, errors.As(err, &te), "want TransitionError, got %v", err)
	return te.Kind
}

func TestApplyAdvance(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")

	next, err := m.Apply(req, "manager", "u-mgr", workflow.ActionAdvance, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "junior_manager", next.CurrentRole)
	assert.Equal(t, domain.StatusInProgress, next.Status)

	// input untouched
	assert.Equal(t, "manager", req.CurrentRole)
	assert.Equal(t, domain.StatusOpen, req.Status)
}

func TestApplyAdvanceFromFinalStageCompletes(t *testing.T) {
	m := newMachine(t)
	req := openRequest("warehouse")

	next, err := m.Apply(req, "warehouse", "u-wh", workflow.ActionAdvance, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, next.Status)
	assert.Equal(t, "warehouse", next.CurrentRole)
}

func TestApplyCancel(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")

	next, err := m.Apply(req, "manager", "u-mgr", workflow.ActionCancel, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, next.Status)
}

func TestApplyReturnBlocks(t *testing.T) {
	m := newMachine(t)
	req := openRequest("junior_manager")
	req.Status = domain.StatusInProgress

	next, err := m.Apply(req, "junior_manager", "u-jm", workflow.ActionReturn, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, next.Status)
	assert.Equal(t, "manager", next.CurrentRole)
}

func TestApplyEscalateBumpsPriority(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")
	req.Priority = domain.PriorityLow

	next, err := m.Apply(req, "manager", "u-mgr", workflow.ActionEscalate, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, next.Priority)
	assert.Equal(t, "manager", next.CurrentRole)

	next, err = m.Apply(next, "manager", "u-mgr", workflow.ActionEscalate, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, next.Priority)

	// high stays high
	next, err = m.Apply(next, "manager", "u-mgr", workflow.ActionEscalate, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, next.Priority)
}

func TestApplyAssignDirectlySkipsStages(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")

	next, err := m.Apply(req, "manager", "u-mgr", workflow.ActionAssignDirectly, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "technician", next.CurrentRole)
	assert.Equal(t, domain.StatusInProgress, next.Status)
}

func TestApplyTerminalRequest(t *testing.T) {
	m := newMachine(t)
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusCancelled} {
		req := openRequest("manager")
		req.Status = status
		_, err := m.Apply(req, "manager", "u-mgr", workflow.ActionAdvance, nil, 0)
		assert.Equal(t, workflow.KindTerminal, kindOf(t, err))
	}
}

func TestApplyUndefinedActionForStage(t *testing.T) {
	m := newMachine(t)
	req := openRequest("warehouse")

	// warehouse is the final stage; assign_directly is not defined there
	_, err := m.Apply(req, "warehouse", "u-wh", workflow.ActionAssignDirectly, nil, 0)
	assert.Equal(t, workflow.KindInvalidAction, kindOf(t, err))
}

func TestApplyForbiddenRole(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")

	_, err := m.Apply(req, "accountant", "u-acc", workflow.ActionAdvance, nil, 0)
	assert.Equal(t, workflow.KindForbidden, kindOf(t, err))
}

func TestApplyDailyLimitDenied(t *testing.T) {
	m := newMachine(t)
	req := openRequest("junior_manager")

	// junior_manager advance on connection_request allows 40 per day
	_, err := m.Apply(req, "junior_manager", "u-jm", workflow.ActionAdvance, nil, 40)
	require.Error(t, err)
	var te *workflow.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, workflow.KindForbidden, te.Kind)
	assert.Equal(t, permission.ReasonDailyLimitExceeded, te.Reason)
}

func TestApplyPayloadAppendsStateData(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")
	req.StateData = map[string]string{"address": "12 Main St"}

	next, err := m.Apply(req, "manager", "u-mgr", workflow.ActionAdvance, map[string]string{"tariff": "fiber-100"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "12 Main St", next.StateData["address"])
	assert.Equal(t, "fiber-100", next.StateData["tariff"])

	// original map not shared
	_, leaked := req.StateData["tariff"]
	assert.False(t, leaked)
}

func TestApplyPayloadKeyIsAppendOnly(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")
	req.StateData = map[string]string{"address": "12 Main St"}

	_, err := m.Apply(req, "manager", "u-mgr", workflow.ActionAdvance, map[string]string{"address": "99 Other St"}, 0)
	assert.Equal(t, workflow.KindValidation, kindOf(t, err))
}

func TestApplyPayloadRejectsReservedKeys(t *testing.T) {
	m := newMachine(t)
	req := openRequest("manager")

	for _, key := range []string{"creator", "status", "current_role", "version", "workflow_type", "priority", "client_id"} {
		_, err := m.Apply(req, "manager", "u-mgr", workflow.ActionAdvance, map[string]string{key: "x"}, 0)
		assert.Equal(t, workflow.KindValidation, kindOf(t, err), "key %s", key)
	}
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, workflow.ValidatePayload(map[string]string{"address": "12 Main St"}))
	assert.Error(t, workflow.ValidatePayload(map[string]string{"version": "2"}))
}
