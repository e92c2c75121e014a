package organisations

import (
	"net/http"
	"strings"
	"testing"

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
	handler := NewHandler(env.DB, env.Sessions, az, env.Mailer, "https://forge.example.com/", nil)
	handler.RegisterRoutes(env.API.Group("/orgs"))
	handler.RegisterOrgRoutes(env.OrgRoutes)
	handler.RegisterPublicRoutes(env.Public)
	return env
}

func TestCreateAndListOrgs(t *testing.T) {
	env := setupTestRouter(t)
	account := env.Account(t, "oscar@example.com")
	token := env.Login(t, account)

	resp := env.Do("POST", "/api/orgs", CreateOrgRequest{Name: "Acme Corp"}, token)
	forgetest.ExpectStatus(t, resp, http.StatusCreated)
	created := forgetest.Decode[OrgResponse](t, resp)
	if !strings.HasPrefix(created.Slug, "acme-corp-") {
		t.Errorf("Expected slug derived from name, got %s", created.Slug)
	}
	if !created.IsOwner {
		t.Error("Expected creator to be owner")
	}

	resp = env.Do("GET", "/api/orgs", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	orgs := forgetest.Decode[[]OrgResponse](t, resp)
	if len(orgs) != 1 || orgs[0].ID != created.ID {
		t.Errorf("Expected the new organisation to be listed, got %+v", orgs)
	}

	resp = env.Do("POST", "/api/orgs", CreateOrgRequest{Name: strings.Repeat("a", 101)}, token)
	forgetest.ExpectStatus(t, resp, http.StatusBadRequest)
}

func TestUpdateOrg(t *testing.T) {
	env := setupTestRouter(t)
	account := env.Account(t, "oscar@example.com")
	env.Org(t, account, "acme")
	other := env.Account(t, "monica@example.com")
	env.Org(t, other, "globex")
	token := env.Login(t, account)

	name := "Acme Inc"
	slug := "acme-inc"
	resp := env.Do("PATCH", "/api/o/acme", UpdateOrgRequest{Name: &name, Slug: &slug}, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	updated := forgetest.Decode[OrgResponse](t, resp)
	if updated.Name != name || updated.Slug != slug {
		t.Errorf("Unexpected organisation %+v", updated)
	}

	taken := "globex"
	resp = env.Do("PATCH", "/api/o/acme-inc", UpdateOrgRequest{Slug: &taken}, token)
	forgetest.ExpectStatus(t, resp, http.StatusConflict)

	bad := "Not A Slug!"
	resp = env.Do("PATCH", "/api/o/acme-inc", UpdateOrgRequest{Slug: &bad}, token)
	forgetest.ExpectStatus(t, resp, http.StatusBadRequest)

	resp = env.Do("PATCH", "/api/o/globex", UpdateOrgRequest{Name: &name}, token)
	forgetest.ExpectStatus(t, resp, http.StatusForbidden)
}

func TestAdmins(t *testing.T) {
	env := setupTestRouter(t)
	owner := env.Account(t, "oscar@example.com")
	org := env.Org(t, owner, "acme")
	admin := env.Account(t, "monica@example.com")
	env.Join(t, org, admin)
	token := env.Login(t, admin)

	resp := env.Do("GET", "/api/o/acme/admins", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	admins := forgetest.Decode[[]AdminResponse](t, resp)
	if len(admins) != 2 {
		t.Fatalf("Expected 2 admins, got %d", len(admins))
	}
	for _, a := range admins {
		if a.IsOwner != (a.ID == owner.ID) {
			t.Errorf("Unexpected owner flag on %s", a.Email)
		}
	}

	resp = env.Do("DELETE", "/api/o/acme/admins/"+owner.ID, nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusPreconditionFailed)
	body := forgetest.Decode[map[string]string](t, resp)
	if body["error"] != "Cannot remove tenant owner" {
		t.Errorf("Unexpected error %q", body["error"])
	}

	resp = env.Do("DELETE", "/api/o/acme/admins/not-an-account", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusNotFound)

	ownerToken := env.Login(t, owner)
	resp = env.Do("DELETE", "/api/o/acme/admins/"+admin.ID, nil, ownerToken)
	forgetest.ExpectStatus(t, resp, http.StatusNoContent)

	resp = env.Do("GET", "/api/o/acme", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusForbidden)
}

func TestInviteFlow(t *testing.T) {
	env := setupTestRouter(t)
	owner := env.Account(t, "oscar@example.com")
	org := env.Org(t, owner, "acme")
	token := env.Login(t, owner)

	resp := env.Do("POST", "/api/o/acme/invites", InviteRequest{Email: "New.Admin@example.com"}, token)
	forgetest.ExpectStatus(t, resp, http.StatusCreated)

	// Re-inviting replaces the code.
	resp = env.Do("POST", "/api/o/acme/invites", InviteRequest{Email: "new.admin@example.com"}, token)
	forgetest.ExpectStatus(t, resp, http.StatusCreated)

	resp = env.Do("GET", "/api/o/acme/invites", nil, token)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	invites := forgetest.Decode[[]models.OrganisationInvite](t, resp)
	if len(invites) != 1 || invites[0].Email != "new.admin@example.com" {
		t.Fatalf("Expected one invite, got %+v", invites)
	}

	msg, ok := env.Mailer.Last("new.admin@example.com")
	if !ok {
		t.Fatal("Expected invite to be mailed")
	}
	link := msg.Body["link"]
	prefix := "https://forge.example.com/invite/organisation/"
	if !strings.HasPrefix(link, prefix) {
		t.Fatalf("Unexpected invite link %s", link)
	}
	code := strings.TrimPrefix(link, prefix)

	resp = env.Do("POST", "/api/invites/"+code+"/accept", nil, "")
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	accepted := forgetest.Decode[map[string]string](t, resp)
	if accepted["slug"] != "acme" {
		t.Errorf("Expected slug acme, got %s", accepted["slug"])
	}

	var account models.Account
	if err := env.DB.Where("email = ?", "new.admin@example.com").First(&account).Error; err != nil {
		t.Fatalf("Expected account to be created: %v", err)
	}
	if account.Name != "new.admin" {
		t.Errorf("Expected name from email, got %s", account.Name)
	}
	var members int64
	env.DB.Model(&models.OrganisationMember{}).Where("org_pk = ? AND account_pk = ?", org.PK, account.PK).Count(&members)
	if members != 1 {
		t.Error("Expected account to become a member")
	}

	resp = env.Do("POST", "/api/invites/"+code+"/accept", nil, "")
	forgetest.ExpectStatus(t, resp, http.StatusNotFound)

	resp = env.Do("POST", "/api/o/acme/invites", InviteRequest{Email: "new.admin@example.com"}, token)
	forgetest.ExpectStatus(t, resp, http.StatusConflict)
}

func TestRemoveInvite(t *testing.T) {
	env := setupTestRouter(t)
	owner := env.Account(t, "oscar@example.com")
	env.Org(t, owner, "acme")
	token := env.Login(t, owner)

	env.Do("POST", "/api/o/acme/invites", InviteRequest{Email: "new@example.com"}, token)
	resp := env.Do("DELETE", "/api/o/acme/invites", InviteRequest{Email: "new@example.com"}, token)
	forgetest.ExpectStatus(t, resp, http.StatusNoContent)

	var count int64
	env.DB.Model(&models.OrganisationInvite{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected invite to be removed, %d remain", count)
	}
}
