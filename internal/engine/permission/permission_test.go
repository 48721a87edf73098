package permission_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/engine/permission"
)

func TestAuthorizeFailsClosed(t *testing.T) {
	perms := permission.New(config.Default("org-1"))

	d := perms.Authorize("no_such_role", "advance", "connection_request", 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, permission.ReasonNoMatchingGrant, d.Reason)

	d = perms.Authorize("manager", "no_such_action", "connection_request", 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, permission.ReasonNoMatchingGrant, d.Reason)

	d = perms.Authorize("manager", "advance", "no_such_workflow", 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, permission.ReasonNoMatchingGrant, d.Reason)
}

func TestAuthorizeGrantedAction(t *testing.T) {
	perms := permission.New(config.Default("org-1"))

	d := perms.Authorize("manager", "create", "connection_request", 0)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

// A role with grants on one workflow type has no implicit grants on another.
func TestRoleGrantsDoNotLeakAcrossWorkflowTypes(t *testing.T) {
	perms := permission.New(config.Default("org-1"))

	d := perms.Authorize("junior_manager", "advance", "connection_request", 0)
	require.True(t, d.Allowed)

	d = perms.Authorize("junior_manager", "create", "technical_service", 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, permission.ReasonNoMatchingGrant, d.Reason)
}

func TestDailyLimitExceeded(t *testing.T) {
	cfg := config.Default("org-1")
	limit := 2
	cfg.Permissions.Roles["technician"]["connection_request"]["advance"] = config.ActionGrant{DailyLimit: &limit}
	perms := permission.New(cfg)

	d := perms.Authorize("technician", "advance", "connection_request", 0)
	assert.True(t, d.Allowed)
	d = perms.Authorize("technician", "advance", "connection_request", 1)
	assert.True(t, d.Allowed)
	d = perms.Authorize("technician", "advance", "connection_request", 2)
	assert.False(t, d.Allowed)
	assert.Equal(t, permission.ReasonDailyLimitExceeded, d.Reason)
}

func TestDailyLimitLookup(t *testing.T) {
	perms := permission.New(config.Default("org-1"))

	limit := perms.DailyLimit("junior_manager", "advance", "connection_request")
	require.NotNil(t, limit)
	assert.Equal(t, 40, *limit)

	assert.Nil(t, perms.DailyLimit("manager", "advance", "connection_request"))
	assert.Nil(t, perms.DailyLimit("no_such_role", "advance", "connection_request"))
}

// The engine copies the matrix; mutating the config afterwards has no effect.
func TestMatrixIsImmutable(t *testing.T) {
	cfg := config.Default("org-1")
	perms := permission.New(cfg)

	delete(cfg.Permissions.Roles, "manager")
	d := perms.Authorize("manager", "create", "connection_request", 0)
	assert.True(t, d.Allowed)
}

func TestAdministrativeGrants(t *testing.T) {
	perms := permission.New(config.Default("org-1"))

	assert.True(t, perms.Authorize("admin", "circuit.reset", config.AdministrationScope, 0).Allowed)
	assert.True(t, perms.Authorize("admin", "audit.read", config.AdministrationScope, 0).Allowed)
	assert.False(t, perms.Authorize("technician", "circuit.reset", config.AdministrationScope, 0).Allowed)
}
