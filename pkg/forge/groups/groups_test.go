package groups

import (
	"net/http"
	"testing"

	"github.com/mattrax/forge/pkg/forge/assignables"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/forgetest"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	env    *forgetest.Env
	tenant *models.Tenant
	token  string
	user   models.User
	device models.Device
}

func setup(t *testing.T) fixture {
	t.Helper()
	env := forgetest.NewEnv(t)
	h := NewHandler(env.DB)
	h.RegisterTenantRoutes(env.TenantRoutes)
	h.RegisterRoutes(env.API)

	_, tenant, token := env.Setup(t, "owner@forge.dev", "acme")
	f := fixture{env: env, tenant: tenant, token: token}
	f.user = models.User{Name: "Alice", UPN: "alice@acme.com", TenantPK: tenant.PK, ProviderPK: 1, ResourceID: "u1"}
	require.NoError(t, env.DB.Create(&f.user).Error)
	f.device = models.Device{Name: "Laptop", OS: models.OSWindows, SerialNumber: "S1", EnrollmentType: models.EnrollmentUser, TenantPK: tenant.PK}
	require.NoError(t, env.DB.Create(&f.device).Error)
	return f
}

func (f fixture) createGroup(t *testing.T, name string) GroupResponse {
	t.Helper()
	resp := f.env.Do(http.MethodPost, "/api/t/acme-tenant/groups", GroupRequest{Name: name}, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusCreated)
	return forgetest.Decode[GroupResponse](t, resp)
}

func TestCreateListAndRename(t *testing.T) {
	f := setup(t)

	group := f.createGroup(t, " Engineering ")
	assert.Equal(t, "Engineering", group.Name)
	f.createGroup(t, "Design")

	resp := f.env.Do(http.MethodPost, "/api/t/acme-tenant/groups", GroupRequest{}, f.token)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.env.Do(http.MethodGet, "/api/t/acme-tenant/groups", nil, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	groups := forgetest.Decode[[]GroupResponse](t, resp)
	require.Len(t, groups, 2)
	assert.Equal(t, "Design", groups[0].Name)

	resp = f.env.Do(http.MethodPatch, "/api/groups/"+group.ID, GroupRequest{Name: "Platform"}, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	assert.Equal(t, "Platform", forgetest.Decode[GroupResponse](t, resp).Name)

	entries, err := audit.List(t.Context(), f.env.DB, f.tenant.PK, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionAddGroup, entries[1].Action)
	assert.Equal(t, "Engineering", entries[1].Data["name"])
}

func TestMembers(t *testing.T) {
	f := setup(t)
	group := f.createGroup(t, "Engineering")
	path := "/api/groups/" + group.ID + "/members"

	body := assignables.Request{Members: []assignables.Ref{
		{PK: f.user.PK, Variant: models.VariantUser},
		{PK: f.device.PK, Variant: models.VariantDevice},
	}}
	for range 2 {
		resp := f.env.Do(http.MethodPost, path, body, f.token)
		forgetest.ExpectStatus(t, resp, http.StatusNoContent)
	}

	resp := f.env.Do(http.MethodGet, path, nil, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	members := forgetest.Decode[[]assignables.Named](t, resp)
	assert.Equal(t, []assignables.Named{
		{PK: f.device.PK, ID: f.device.ID, Variant: models.VariantDevice, Name: "Laptop"},
		{PK: f.user.PK, ID: f.user.ID, Variant: models.VariantUser, Name: "Alice"},
	}, members)

	resp = f.env.Do(http.MethodGet, "/api/groups/"+group.ID, nil, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	assert.EqualValues(t, 2, forgetest.Decode[GroupResponse](t, resp).Members)

	// Groups cannot contain groups.
	nested := assignables.Request{Members: []assignables.Ref{{PK: group.PK, Variant: models.VariantGroup}}}
	resp = f.env.Do(http.MethodPost, path, nested, f.token)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.env.Do(http.MethodDelete, path, assignables.Request{Members: body.Members[:1]}, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusNoContent)
	resp = f.env.Do(http.MethodGet, path, nil, f.token)
	assert.Len(t, forgetest.Decode[[]assignables.Named](t, resp), 1)
}

func TestAssignmentsAndDelete(t *testing.T) {
	f := setup(t)
	db := f.env.DB
	group := f.createGroup(t, "Engineering")
	path := "/api/groups/" + group.ID

	pol := models.Policy{Name: "Baseline", TenantPK: f.tenant.PK}
	require.NoError(t, db.Create(&pol).Error)
	app := models.Application{Name: "Outlook", TargetType: models.TargetIOS, TargetID: "951937596", TenantPK: f.tenant.PK}
	require.NoError(t, db.Create(&app).Error)
	foreign := models.Policy{Name: "Foreign", TenantPK: f.tenant.PK + 1}
	require.NoError(t, db.Create(&foreign).Error)

	body := AssignmentsRequest{Assignments: []Assignment{
		{PK: pol.PK, Variant: AssignPolicy},
		{PK: app.PK, Variant: AssignApplication},
	}}
	for range 2 {
		resp := f.env.Do(http.MethodPost, path+"/assignments", body, f.token)
		forgetest.ExpectStatus(t, resp, http.StatusNoContent)
	}
	resp := f.env.Do(http.MethodPost, path+"/assignments", AssignmentsRequest{Assignments: []Assignment{{PK: foreign.PK, Variant: AssignPolicy}}}, f.token)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.env.Do(http.MethodGet, path+"/assignments", nil, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	got := forgetest.Decode[AssignmentsResponse](t, resp)
	assert.Equal(t, []Assigned{{PK: pol.PK, ID: pol.ID, Name: "Baseline"}}, got.Policies)
	assert.Equal(t, []Assigned{{PK: app.PK, ID: app.ID, Name: "Outlook"}}, got.Apps)

	require.NoError(t, db.Create(&models.GroupAssignable{GroupPK: group.PK, PK: f.user.PK, Variant: models.VariantUser}).Error)
	resp = f.env.Do(http.MethodDelete, path, nil, f.token)
	forgetest.ExpectStatus(t, resp, http.StatusNoContent)

	for _, model := range []any{&models.Group{}, &models.GroupAssignable{}, &models.PolicyAssignable{}, &models.ApplicationAssignable{}} {
		var count int64
		db.Model(model).Count(&count)
		assert.Zero(t, count, "%T", model)
	}
	resp = f.env.Do(http.MethodGet, path, nil, f.token)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
