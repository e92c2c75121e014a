package tenants

import (
	"net/http"
	"strings"
	"testing"

	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/authz"
	"github.com/mattrax/forge/pkg/forge/forgetest"
	"github.com/mattrax/forge/pkg/forge/models"
)

func setupTestRouter(t *testing.T) *forgetest.Env {
	env := forgetest.NewEnv(t)
	az, err := authz.NewAuthorizer(authz.ModeEnforce)
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}
	handler := NewHandler(env.DB, az, nil)
	handler.RegisterOrgRoutes(env.OrgRoutes)
	handler.RegisterTenantRoutes(env.TenantRoutes)
	return env
}

func TestCreateAndListTenants(t *testing.T) {
	env := setupTestRouter(t)
	account := env.Account(t, "oscar@example.com")
	env.Org(t, account, "acme")
	token := env.Login(t, account)

	resp := env.Do("POST", "/api/o/acme/tenants", CreateTenantRequest{Name: "Head Office"}, token)
	forgetest.ExpectStatus(t, resp, http.StatusCreated)
	created := forgetest.Decode[TenantResponse](t, resp)
	if !strings.HasPrefix(created.Slug, "head-office-") {
		t.Errorf("Expected slug derived from name, got %s", created.Slug)
	}

	resp = env.Do("GET", "/api/o/acme/tenants", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	tenants := forgetest.Decode[[]TenantResponse](t, resp)
	if len(tenants) != 1 || tenants[0].ID != created.ID {
		t.Errorf("Expected created tenant to be listed, got %+v", tenants)
	}

	resp = env.Do("GET", "/api/t/"+created.Slug+"/stats", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
}

func TestUpdateTenant(t *testing.T) {
	env := setupTestRouter(t)
	account, tenant, token := env.Setup(t, "oscar@example.com", "acme")
	_, other, _ := env.Setup(t, "monica@example.com", "globex")

	name := "Renamed"
	resp := env.Do("PATCH", "/api/t/"+tenant.Slug, UpdateTenantRequest{Name: &name}, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	if got := forgetest.Decode[TenantResponse](t, resp); got.Name != name {
		t.Errorf("Expected name %s, got %s", name, got.Name)
	}

	reserved := "admin"
	resp = env.Do("PATCH", "/api/t/"+tenant.Slug, UpdateTenantRequest{Slug: &reserved}, token)
	forgetest.ExpectStatus(t, resp, http.StatusBadRequest)

	taken := other.Slug
	resp = env.Do("PATCH", "/api/t/"+tenant.Slug, UpdateTenantRequest{Slug: &taken}, token)
	forgetest.ExpectStatus(t, resp, http.StatusConflict)

	entries, err := audit.List(t.Context(), env.DB, tenant.PK, 0)
	if err != nil {
		t.Fatalf("audit.List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionUpdateTenant {
		t.Fatalf("Expected one updateTenant entry, got %+v", entries)
	}
	if entries[0].User == nil || *entries[0].User != account.Name {
		t.Errorf("Expected entry attributed to %s", account.Name)
	}
}

func TestStatsAndGettingStarted(t *testing.T) {
	env := setupTestRouter(t)
	_, tenant, token := env.Setup(t, "oscar@example.com", "acme")

	env.DB.Create(&models.Policy{Name: "Baseline", TenantPK: tenant.PK})
	env.DB.Create(&models.Group{Name: "Staff", TenantPK: tenant.PK})
	env.DB.Create(&models.Group{Name: "Contractors", TenantPK: tenant.PK})

	resp := env.Do("GET", "/api/t/"+tenant.Slug+"/stats", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	stats := forgetest.Decode[StatsResponse](t, resp)
	if stats.Policies != 1 || stats.Groups != 2 || stats.Devices != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	resp = env.Do("GET", "/api/t/"+tenant.Slug+"/getting-started", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	progress := forgetest.Decode[GettingStartedResponse](t, resp)
	if !progress.CreatedFirstPolicy || progress.EnrolledADevice || progress.ConnectedIdentityProvider {
		t.Errorf("Unexpected progress %+v", progress)
	}
}

func TestAuditLogLimit(t *testing.T) {
	env := setupTestRouter(t)
	_, tenant, token := env.Setup(t, "oscar@example.com", "acme")
	for i := 0; i < 3; i++ {
		env.DB.Create(&models.AuditLog{TenantPK: tenant.PK, Action: audit.ActionAddPolicy})
	}

	resp := env.Do("GET", "/api/t/"+tenant.Slug+"/audit-log?limit=2", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	if entries := forgetest.Decode[[]audit.Entry](t, resp); len(entries) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(entries))
	}

	resp = env.Do("GET", "/api/t/"+tenant.Slug+"/audit-log?limit=abc", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusBadRequest)
}

func TestDeleteTenant(t *testing.T) {
	env := setupTestRouter(t)
	_, tenant, token := env.Setup(t, "oscar@example.com", "acme")

	policy := models.Policy{Name: "Baseline", TenantPK: tenant.PK}
	env.DB.Create(&policy)
	env.DB.Create(&models.PolicyAssignable{PolicyPK: policy.PK, PK: 1, Variant: models.VariantGroup})
	deploy := models.PolicyDeploy{PolicyPK: policy.PK, Comment: "first", AuthorPK: 1}
	env.DB.Create(&deploy)
	env.DB.Create(&models.PolicyDeployStatus{DeployPK: deploy.PK, DevicePK: 1, Status: models.DeployPending})
	group := models.Group{Name: "Staff", TenantPK: tenant.PK}
	env.DB.Create(&group)
	env.DB.Create(&models.GroupAssignable{GroupPK: group.PK, PK: 1, Variant: models.VariantUser})

	resp := env.Do("DELETE", "/api/t/"+tenant.Slug, nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusNoContent)

	for _, model := range []any{
		&models.Tenant{}, &models.Policy{}, &models.PolicyAssignable{},
		&models.PolicyDeploy{}, &models.PolicyDeployStatus{}, &models.Group{}, &models.GroupAssignable{},
	} {
		var count int64
		env.DB.Model(model).Count(&count)
		if count != 0 {
			t.Errorf("Expected %T rows to be deleted, %d remain", model, count)
		}
	}
}

func TestDeleteTenantWithDevices(t *testing.T) {
	env := setupTestRouter(t)
	_, tenant, token := env.Setup(t, "oscar@example.com", "acme")
	env.DB.Create(&models.Device{
		Name:           "laptop",
		EnrollmentType: models.EnrollmentDevice,
		OS:             models.OSWindows,
		SerialNumber:   "SN-1",
		TenantPK:       tenant.PK,
	})

	resp := env.Do("DELETE", "/api/t/"+tenant.Slug, nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusPreconditionFailed)
}

func TestDeleteTenantWithIdentityProvider(t *testing.T) {
	env := setupTestRouter(t)
	_, tenant, token := env.Setup(t, "oscar@example.com", "acme")
	env.DB.Create(&models.IdentityProvider{Provider: models.ProviderEntraID, TenantPK: tenant.PK, RemoteID: "remote"})

	resp := env.Do("DELETE", "/api/t/"+tenant.Slug, nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusPreconditionFailed)
}

func TestOtherTenantIsForbidden(t *testing.T) {
	env := setupTestRouter(t)
	_, _, token := env.Setup(t, "oscar@example.com", "acme")
	_, other, _ := env.Setup(t, "monica@example.com", "globex")

	resp := env.Do("DELETE", "/api/t/"+other.Slug, nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusForbidden)
}
