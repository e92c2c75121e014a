package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/mail"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "forge.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	return db
}

type testEnv struct {
	db       *gorm.DB
	router   *gin.Engine
	sessions *Sessions
	mailer   *mail.Recorder
}

func setupTestRouter(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	db := setupTestDB(t)
	sessions := NewSessions(db, time.Hour, false)
	mailer := &mail.Recorder{}
	handler := NewHandler(db, sessions, Options{
		BaseURL:           "http://localhost:3000",
		Mailer:            mailer,
		SuperadminDomains: []string{"mattrax.app"},
	})

	r := gin.New()
	handler.RegisterRoutes(r.Group("/api/auth"))
	authed := r.Group("/api", SessionMiddleware(db, sessions))
	handler.RegisterAuthedRoutes(authed.Group("/auth"))

	authed.GET("/o/:orgSlug", OrgMiddleware(), func(c *gin.Context) {
		org, _ := GetOrg(c)
		role, _ := GetOrgRole(c)
		c.JSON(http.StatusOK, gin.H{"slug": org.Slug, "role": role})
	})
	authed.GET("/t/:tenantSlug", TenantMiddleware(), func(c *gin.Context) {
		tenant, _ := GetTenant(c)
		c.JSON(http.StatusOK, gin.H{"slug": tenant.Slug})
	})
	authed.GET("/policies/:id", func(c *gin.Context) {
		p, ok := LoadTenantObject(c, db, c.Param("id"), "Policy", func(p *models.Policy) uint { return p.TenantPK })
		if !ok {
			return
		}
		tenant, _ := GetTenant(c)
		c.JSON(http.StatusOK, gin.H{"id": p.ID, "tenant": tenant.Slug})
	})

	return &testEnv{db: db, router: r, sessions: sessions, mailer: mailer}
}

// createTestAccount creates an account that owns an organisation with one tenant.
func createTestAccount(t *testing.T, db *gorm.DB, email, slug string) (*models.Account, *models.Organisation, *models.Tenant) {
	account := models.Account{Name: strings.Split(email, "@")[0], Email: email}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	org := models.Organisation{Name: slug, Slug: slug, OwnerPK: account.PK}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("Failed to create organisation: %v", err)
	}
	db.Create(&models.OrganisationMember{OrgPK: org.PK, AccountPK: account.PK})
	tenant := models.Tenant{Name: slug, Slug: slug + "-tenant", OrgPK: org.PK}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	return &account, &org, &tenant
}

func (e *testEnv) login(t *testing.T, account *models.Account) string {
	session, err := e.sessions.Create(t.Context(), account.PK, "test", "")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session.ID
}

func (e *testEnv) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func findCookie(resp *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range resp.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginFlow(t *testing.T) {
	env := setupTestRouter(t)

	resp := env.do("POST", "/api/auth/login/code", SendLoginCodeRequest{Email: "Oscar@Example.com"}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	msg, ok := env.mailer.Last("oscar@example.com")
	if !ok {
		t.Fatal("Expected a login code to be mailed")
	}
	code := msg.Body["code"]
	if len(code) != 8 {
		t.Fatalf("Expected 8 digit code, got %q", code)
	}

	var account models.Account
	if err := env.db.Where("email = ?", "oscar@example.com").First(&account).Error; err != nil {
		t.Fatalf("Expected account to be created: %v", err)
	}
	if account.Name != "oscar" {
		t.Errorf("Expected name oscar, got %s", account.Name)
	}

	resp = env.do("POST", "/api/auth/login/verify", VerifyLoginCodeRequest{Code: code}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	session := findCookie(resp, SessionCookie)
	if session == nil || session.Value == "" {
		t.Fatal("Expected session cookie")
	}
	if !session.HttpOnly {
		t.Error("Expected session cookie to be http only")
	}
	if marker := findCookie(resp, LoggedInCookie); marker == nil || marker.HttpOnly {
		t.Error("Expected readable isLoggedIn cookie")
	}

	req, _ := http.NewRequest("GET", "/api/auth/me", nil)
	req.AddCookie(session)
	me := httptest.NewRecorder()
	env.router.ServeHTTP(me, req)
	if me.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", me.Code, me.Body.String())
	}

	var body MeResponse
	json.Unmarshal(me.Body.Bytes(), &body)
	if body.Email != "oscar@example.com" {
		t.Errorf("Expected email oscar@example.com, got %s", body.Email)
	}
	if len(body.Orgs) != 1 {
		t.Fatalf("Expected first login to create an organisation, got %d", len(body.Orgs))
	}
	if body.Orgs[0].OwnerID != account.ID {
		t.Errorf("Expected account to own the organisation")
	}
	if !strings.HasPrefix(body.Orgs[0].Slug, "oscar-") {
		t.Errorf("Expected slug derived from email, got %s", body.Orgs[0].Slug)
	}
	if body.SuperAdmin {
		t.Error("Expected non-superadmin")
	}
}

func TestLoginCodeIsSingleUse(t *testing.T) {
	env := setupTestRouter(t)

	env.do("POST", "/api/auth/login/code", SendLoginCodeRequest{Email: "oscar@example.com"}, "")
	msg, _ := env.mailer.Last("oscar@example.com")

	resp := env.do("POST", "/api/auth/login/verify", VerifyLoginCodeRequest{Code: msg.Body["code"]}, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	resp = env.do("POST", "/api/auth/login/verify", VerifyLoginCodeRequest{Code: msg.Body["code"]}, "")
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for reused code, got %d", resp.Code)
	}
}

func TestSecondLoginKeepsOrganisation(t *testing.T) {
	env := setupTestRouter(t)
	account, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")

	env.do("POST", "/api/auth/login/code", SendLoginCodeRequest{Email: "oscar@example.com"}, "")
	msg, _ := env.mailer.Last("oscar@example.com")
	env.do("POST", "/api/auth/login/verify", VerifyLoginCodeRequest{Code: msg.Body["code"]}, "")

	var count int64
	env.db.Model(&models.OrganisationMember{}).Where("account_pk = ?", account.PK).Count(&count)
	if count != 1 {
		t.Errorf("Expected existing membership to be kept, got %d memberships", count)
	}
}

func TestVerifyInvalidCode(t *testing.T) {
	env := setupTestRouter(t)

	resp := env.do("POST", "/api/auth/login/verify", VerifyLoginCodeRequest{Code: "12345678"}, "")
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}

	resp = env.do("POST", "/api/auth/login/verify", map[string]string{"code": "abc"}, "")
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed code, got %d", resp.Code)
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	env := setupTestRouter(t)

	env.do("POST", "/api/auth/login/code", SendLoginCodeRequest{Email: "oscar@example.com"}, "")
	msg, _ := env.mailer.Last("oscar@example.com")

	env.sessions.now = func() time.Time { return time.Now().Add(LoginCodeTTL + time.Minute) }
	resp := env.do("POST", "/api/auth/login/verify", VerifyLoginCodeRequest{Code: msg.Body["code"]}, "")
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for expired code, got %d", resp.Code)
	}

	var count int64
	env.db.Model(&models.AccountLoginCode{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected expired code to be consumed, %d remain", count)
	}
}

func TestSessionMiddlewareRejects(t *testing.T) {
	env := setupTestRouter(t)

	resp := env.do("GET", "/api/auth/me", nil, "")
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without session, got %d", resp.Code)
	}

	resp = env.do("GET", "/api/auth/me", nil, "not-a-session")
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for unknown session, got %d", resp.Code)
	}

	var body map[string]string
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["code"] != "UNAUTHORIZED" {
		t.Errorf("Expected UNAUTHORIZED code, got %q", body["code"])
	}
}

func TestExpiredSession(t *testing.T) {
	env := setupTestRouter(t)
	account, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	token := env.login(t, account)

	env.sessions.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	resp := env.do("GET", "/api/auth/me", nil, token)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for expired session, got %d", resp.Code)
	}

	var count int64
	env.db.Model(&models.Session{}).Where("id = ?", token).Count(&count)
	if count != 0 {
		t.Error("Expected expired session to be deleted")
	}
}

func TestExpiredSessionDeleteFailure(t *testing.T) {
	env := setupTestRouter(t)
	account, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	token := env.login(t, account)

	err := env.db.Callback().Delete().Before("gorm:delete").Register("test:fail_delete", func(tx *gorm.DB) {
		tx.AddError(errors.New("disk full"))
	})
	if err != nil {
		t.Fatalf("Failed to register callback: %v", err)
	}

	env.sessions.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, _, err = env.sessions.Validate(t.Context(), token)
	if err == nil || errors.Is(err, ErrExpiredSession) {
		t.Fatalf("Expected the delete error, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Expected wrapped delete error, got %v", err)
	}

	if resp := env.do("GET", "/api/auth/me", nil, token); resp.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", resp.Code)
	}
}

func TestSessionIsExtended(t *testing.T) {
	env := setupTestRouter(t)
	account, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	token := env.login(t, account)

	later := time.Now().Add(40 * time.Minute)
	env.sessions.now = func() time.Time { return later }

	session, _, refreshed, err := env.sessions.Validate(t.Context(), token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !refreshed {
		t.Fatal("Expected session in second half of its lifetime to be refreshed")
	}
	if !session.ExpiresAt.Equal(later.Add(time.Hour)) {
		t.Errorf("Expected expiry to be pushed back, got %v", session.ExpiresAt)
	}
}

func TestOrgMiddleware(t *testing.T) {
	env := setupTestRouter(t)
	oscar, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	createTestAccount(t, env.db, "monica@example.com", "globex")
	token := env.login(t, oscar)

	resp := env.do("GET", "/api/o/acme", nil, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body map[string]string
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["role"] != "owner" {
		t.Errorf("Expected owner role, got %s", body["role"])
	}

	resp = env.do("GET", "/api/o/globex", nil, token)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another organisation, got %d", resp.Code)
	}

	// Admins that are not the owner.
	var globex models.Organisation
	env.db.Where("slug = ?", "globex").First(&globex)
	env.db.Create(&models.OrganisationMember{OrgPK: globex.PK, AccountPK: oscar.PK})
	resp = env.do("GET", "/api/o/globex", nil, token)
	json.Unmarshal(resp.Body.Bytes(), &body)
	if resp.Code != http.StatusOK || body["role"] != "admin" {
		t.Errorf("Expected admin access, got %d %v", resp.Code, body)
	}
}

func TestTenantMiddleware(t *testing.T) {
	env := setupTestRouter(t)
	oscar, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	createTestAccount(t, env.db, "monica@example.com", "globex")
	token := env.login(t, oscar)

	if resp := env.do("GET", "/api/t/acme-tenant", nil, token); resp.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.Code)
	}
	if resp := env.do("GET", "/api/t/globex-tenant", nil, token); resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
	if resp := env.do("GET", "/api/t/missing", nil, token); resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for unknown tenant, got %d", resp.Code)
	}
}

func TestLoadTenantObject(t *testing.T) {
	env := setupTestRouter(t)
	oscar, _, tenant := createTestAccount(t, env.db, "oscar@example.com", "acme")
	_, _, otherTenant := createTestAccount(t, env.db, "monica@example.com", "globex")
	token := env.login(t, oscar)

	mine := models.Policy{Name: "Mine", TenantPK: tenant.PK}
	theirs := models.Policy{Name: "Theirs", TenantPK: otherTenant.PK}
	env.db.Create(&mine)
	env.db.Create(&theirs)

	resp := env.do("GET", "/api/policies/"+mine.ID, nil, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body map[string]string
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["tenant"] != "acme-tenant" {
		t.Errorf("Expected tenant to be set from the policy, got %s", body["tenant"])
	}

	if resp := env.do("GET", "/api/policies/"+theirs.ID, nil, token); resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
	resp = env.do("GET", "/api/policies/does-not-exist", nil, token)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["error"] != "Policy not found" {
		t.Errorf("Expected not found message, got %q", body["error"])
	}
}

func TestUpdateAccount(t *testing.T) {
	env := setupTestRouter(t)
	oscar, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	token := env.login(t, oscar)

	name := "Oscar Beaumont"
	resp := env.do("PATCH", "/api/auth/me", UpdateAccountRequest{Name: &name}, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var reloaded models.Account
	env.db.First(&reloaded, oscar.PK)
	if reloaded.Name != name {
		t.Errorf("Expected name %q, got %q", name, reloaded.Name)
	}

	for _, blank := range []string{"", "   "} {
		resp = env.do("PATCH", "/api/auth/me", UpdateAccountRequest{Name: &blank}, token)
		if resp.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400 for name %q, got %d", blank, resp.Code)
		}
	}
	env.db.First(&reloaded, oscar.PK)
	if reloaded.Name != name {
		t.Errorf("Expected name to stay %q, got %q", name, reloaded.Name)
	}
}

func TestMeIncludesTenantsAndSuperadmin(t *testing.T) {
	env := setupTestRouter(t)
	admin, _, _ := createTestAccount(t, env.db, "ops@mattrax.app", "mattrax")
	admin.Features = []string{"apps"}
	env.db.Save(admin)
	token := env.login(t, admin)

	resp := env.do("GET", "/api/auth/me", nil, token)
	var body MeResponse
	json.Unmarshal(resp.Body.Bytes(), &body)

	if !body.SuperAdmin {
		t.Error("Expected superadmin flag")
	}
	if len(body.Tenants) != 1 || body.Tenants[0].OrgSlug != "mattrax" {
		t.Errorf("Expected one tenant of org mattrax, got %+v", body.Tenants)
	}
	if len(body.Features) != 1 || body.Features[0] != "apps" {
		t.Errorf("Expected features [apps], got %v", body.Features)
	}
}

func TestLogout(t *testing.T) {
	env := setupTestRouter(t)
	oscar, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	token := env.login(t, oscar)

	resp := env.do("POST", "/api/auth/logout", nil, token)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.Code)
	}
	if resp := env.do("GET", "/api/auth/me", nil, token); resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected session to be invalidated, got %d", resp.Code)
	}
}

func TestCLIFlow(t *testing.T) {
	env := setupTestRouter(t)
	oscar, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	token := env.login(t, oscar)

	resp := env.do("POST", "/api/auth/cli", nil, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.Code)
	}
	var created map[string]any
	json.Unmarshal(resp.Body.Bytes(), &created)
	code := created["code"].(string)

	resp = env.do("GET", "/api/auth/cli/"+code, nil, "")
	if resp.Code != http.StatusAccepted {
		t.Errorf("Expected status 202 before approval, got %d", resp.Code)
	}

	if resp := env.do("POST", "/api/auth/cli/"+code+"/approve", nil, ""); resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected approval to need a session, got %d", resp.Code)
	}
	if resp := env.do("POST", "/api/auth/cli/"+code+"/approve", nil, token); resp.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp := env.do("POST", "/api/auth/cli/"+code+"/approve", nil, token); resp.Code != http.StatusConflict {
		t.Errorf("Expected second approval to conflict, got %d", resp.Code)
	}

	resp = env.do("GET", "/api/auth/cli/"+code, nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var redeemed map[string]string
	json.Unmarshal(resp.Body.Bytes(), &redeemed)
	if redeemed["token"] == "" || redeemed["token"] == token {
		t.Fatal("Expected a new session token")
	}

	if resp := env.do("GET", "/api/auth/me", nil, redeemed["token"]); resp.Code != http.StatusOK {
		t.Errorf("Expected CLI token to authenticate, got %d", resp.Code)
	}
	if resp := env.do("GET", "/api/auth/cli/"+code, nil, ""); resp.Code != http.StatusNotFound {
		t.Errorf("Expected code to be single use, got %d", resp.Code)
	}
}

func TestPruneExpired(t *testing.T) {
	env := setupTestRouter(t)
	oscar, _, _ := createTestAccount(t, env.db, "oscar@example.com", "acme")
	env.login(t, oscar)
	env.db.Create(&models.AccountLoginCode{Code: "12345678", AccountPK: oscar.PK})
	env.db.Create(&models.CLIAuthCode{Code: "cli"})

	env.sessions.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := env.sessions.PruneExpired(t.Context())
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 rows pruned, got %d", n)
	}
}

func TestStateSigner(t *testing.T) {
	signer := NewStateSigner("a-very-long-secret-used-for-tests!!", 10*time.Minute)

	token, err := signer.Sign(7, "tenant-id")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.TenantPK != 7 || claims.TenantID != "tenant-id" {
		t.Errorf("Unexpected claims %+v", claims)
	}

	other := NewStateSigner("another-very-long-secret-for-tests", 10*time.Minute)
	if _, err := other.Verify(token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for wrong secret, got %v", err)
	}

	expired := NewStateSigner("a-very-long-secret-used-for-tests!!", -time.Minute)
	token, _ = expired.Sign(7, "tenant-id")
	if _, err := signer.Verify(token); err != ErrExpiredToken {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestSealer(t *testing.T) {
	sealer, err := NewSealer("a-very-long-secret-used-for-tests!!")
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	sealed, err := sealer.Seal("refresh-token")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if strings.Contains(sealed, "refresh-token") {
		t.Error("Sealed value should not contain the plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil || opened != "refresh-token" {
		t.Errorf("Expected refresh-token, got %q (%v)", opened, err)
	}

	other, _ := NewSealer("another-very-long-secret-for-tests")
	if _, err := other.Open(sealed); err != ErrUnseal {
		t.Errorf("Expected ErrUnseal with another key, got %v", err)
	}
	if _, err := sealer.Open("!!"); err != ErrUnseal {
		t.Errorf("Expected ErrUnseal for garbage, got %v", err)
	}
}

func TestRandomSlug(t *testing.T) {
	a, _ := RandomSlug("Oscar.Beaumont")
	b, _ := RandomSlug("Oscar.Beaumont")
	if !strings.HasPrefix(a, "oscar-beaumont-") {
		t.Errorf("Expected slug prefix oscar-beaumont-, got %s", a)
	}
	if a == b {
		t.Error("Expected random suffix to differ")
	}
	if s, _ := RandomSlug("..."); s == "" || strings.HasPrefix(s, "-") {
		t.Errorf("Expected usable slug for punctuation only name, got %q", s)
	}
}

func TestIsSuperAdmin(t *testing.T) {
	domains := []string{"mattrax.app", "otbeaumont.me"}
	tests := []struct {
		email string
		want  bool
	}{
		{"oscar@mattrax.app", true},
		{"OSCAR@MATTRAX.APP", true},
		{"oscar@otbeaumont.me", true},
		{"oscar@evilmattrax.app", false},
		{"oscar@example.com", false},
	}
	for _, tt := range tests {
		if got := IsSuperAdmin(tt.email, domains); got != tt.want {
			t.Errorf("IsSuperAdmin(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}

func TestRequireInternalSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/internal", RequireInternalSecret("s3cret"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	open := gin.New()
	open.GET("/internal", RequireInternalSecret(""), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		engine *gin.Engine
		header string
		want   int
	}{
		{r, "Bearer s3cret", http.StatusNoContent},
		{r, "Bearer wrong", http.StatusUnauthorized},
		{r, "", http.StatusUnauthorized},
		{open, "Bearer ", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/internal", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		tc.engine.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("Authorization %q: expected %d, got %d", tc.header, tc.want, w.Code)
		}
	}
}
