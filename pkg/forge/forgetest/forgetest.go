// Package forgetest builds databases, fixtures and routers for handler tests.
package forgetest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/mail"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDB opens a migrated SQLite database that lives for the duration of the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "forge.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate failed: %v", err)
	}
	return db
}

// Env is a router wired the way the server wires it, minus the handlers
// under test.
type Env struct {
	DB       *gorm.DB
	Router   *gin.Engine
	Sessions *auth.Sessions
	Mailer   *mail.Recorder

	// Public is /api without authentication.
	Public *gin.RouterGroup
	// API is /api behind the session middleware.
	API *gin.RouterGroup
	// OrgRoutes is /api/o/:orgSlug.
	OrgRoutes *gin.RouterGroup
	// TenantRoutes is /api/t/:tenantSlug.
	TenantRoutes *gin.RouterGroup
}

func NewEnv(t testing.TB) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := NewDB(t)
	sessions := auth.NewSessions(db, time.Hour, false)
	r := gin.New()
	api := r.Group("/api", auth.SessionMiddleware(db, sessions))

	return &Env{
		DB:           db,
		Router:       r,
		Sessions:     sessions,
		Mailer:       &mail.Recorder{},
		Public:       r.Group("/api"),
		API:          api,
		OrgRoutes:    api.Group("/o/:orgSlug", auth.OrgMiddleware()),
		TenantRoutes: api.Group("/t/:tenantSlug", auth.TenantMiddleware()),
	}
}

// Account creates an account named after the local part of email.
func (e *Env) Account(t testing.TB, email string) *models.Account {
	t.Helper()
	account := &models.Account{Name: strings.Split(email, "@")[0], Email: email}
	if err := e.DB.Create(account).Error; err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	return account
}

// Org creates an organisation owned by owner, who is also made a member.
func (e *Env) Org(t testing.TB, owner *models.Account, slug string) *models.Organisation {
	t.Helper()
	org := &models.Organisation{Name: slug, Slug: slug, OwnerPK: owner.PK, BillingEmail: owner.Email}
	if err := e.DB.Create(org).Error; err != nil {
		t.Fatalf("Failed to create organisation: %v", err)
	}
	e.Join(t, org, owner)
	return org
}

// Join adds account to org as an administrator.
func (e *Env) Join(t testing.TB, org *models.Organisation, account *models.Account) {
	t.Helper()
	if err := e.DB.Create(&models.OrganisationMember{OrgPK: org.PK, AccountPK: account.PK}).Error; err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}
}

func (e *Env) Tenant(t testing.TB, org *models.Organisation, slug string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{Name: slug, Slug: slug, OrgPK: org.PK}
	if err := e.DB.Create(tenant).Error; err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	return tenant
}

// Setup creates an account owning an organisation with a single tenant and
// returns a session token for it.
func (e *Env) Setup(t testing.TB, email, slug string) (*models.Account, *models.Tenant, string) {
	t.Helper()
	account := e.Account(t, email)
	org := e.Org(t, account, slug)
	tenant := e.Tenant(t, org, slug+"-tenant")
	return account, tenant, e.Login(t, account)
}

// Login starts a session for account and returns its bearer token.
func (e *Env) Login(t testing.TB, account *models.Account) string {
	t.Helper()
	session, err := e.Sessions.Create(t.Context(), account.PK, "test", "")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session.ID
}

// Do sends a JSON request. body is encoded unless nil; token is sent as a bearer token unless empty.
func (e *Env) Do(method, path string, body any, token string) *httptest.ResponseRecorder {
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
	e.Router.ServeHTTP(resp, req)
	return resp
}

// Decode unmarshals a JSON response body.
func Decode[T any](t testing.TB, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(resp.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", resp.Body.String(), err)
	}
	return v
}

// ExpectStatus fails the test when the response has another status.
func ExpectStatus(t testing.TB, resp *httptest.ResponseRecorder, status int) {
	t.Helper()
	if resp.Code != status {
		t.Fatalf("Expected status %d, got %d: %s", status, resp.Code, resp.Body.String())
	}
}
