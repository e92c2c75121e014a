package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/authz"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/mattrax/forge/pkg/forge/reqctx"
	"gorm.io/gorm"
)

const (
	// ContextKeyAccount is the key for the signed in account in gin context
	ContextKeyAccount = "account"
	// ContextKeySession is the key for the current session in gin context
	ContextKeySession = "session"
	// ContextKeyScope is the key for the membership cache in gin context
	ContextKeyScope = "scope"
	// ContextKeyOrg is the key for the organisation in gin context
	ContextKeyOrg = "organisation"
	// ContextKeyOrgRole is the key for the account's role in the organisation
	ContextKeyOrgRole = "organisation_role"
	// ContextKeyTenant is the key for the tenant in gin context
	ContextKeyTenant = "tenant"
)

// SessionMiddleware requires a valid session from the session cookie or a
// bearer token, and attaches the account and a membership Scope to the request.
func SessionMiddleware(db *gorm.DB, sessions *Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, fromCookie := sessionToken(c)
		if id == "" {
			apierr.Abort(c, apierr.New(apierr.Unauthorized, "Authentication required"))
			return
		}

		session, account, refreshed, err := sessions.Validate(c.Request.Context(), id)
		if err != nil {
			if err == ErrInvalidSession || err == ErrExpiredSession {
				if fromCookie {
					sessions.ClearCookie(c)
				}
				apierr.Abort(c, apierr.New(apierr.Unauthorized, "Invalid or expired session"))
				return
			}
			apierr.Abort(c, err)
			return
		}
		if refreshed && fromCookie {
			sessions.SetCookie(c, session)
		}

		c.Set(ContextKeySession, session)
		c.Set(ContextKeyAccount, account)
		c.Set(ContextKeyScope, NewScope(db, account))
		c.Request = c.Request.WithContext(reqctx.WithAccount(c.Request.Context(), account))

		c.Next()
	}
}

func sessionToken(c *gin.Context) (token string, fromCookie bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1]), false
		}
		return "", false
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie, true
	}
	return "", false
}

// OrgMiddleware resolves the :orgSlug path parameter to an organisation the
// account is a member of.
func OrgMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := GetAccount(c)
		if !ok {
			apierr.Abort(c, apierr.New(apierr.Unauthorized, "Authentication required"))
			return
		}

		org, err := GetScope(c).OrgBySlug(c.Request.Context(), c.Param("orgSlug"))
		if err != nil {
			apierr.Abort(c, err)
			return
		}

		role := authz.RoleAdmin
		if org.OwnerPK == account.PK {
			role = authz.RoleOwner
		}

		c.Set(ContextKeyOrg, org)
		c.Set(ContextKeyOrgRole, role)
		c.Next()
	}
}

// TenantMiddleware resolves the :tenantSlug path parameter to a tenant of one
// of the account's organisations.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, err := GetScope(c).TenantBySlug(c.Request.Context(), c.Param("tenantSlug"))
		if err != nil {
			apierr.Abort(c, err)
			return
		}
		SetTenant(c, tenant)
		c.Next()
	}
}

// SetTenant scopes the rest of the request to a tenant.
func SetTenant(c *gin.Context, tenant *models.Tenant) {
	c.Set(ContextKeyTenant, tenant)
	c.Request = c.Request.WithContext(reqctx.WithTenant(c.Request.Context(), tenant))
}

// LoadTenantObject loads a tenant owned row by its public id, checks the account
// may access its tenant and scopes the request to that tenant. On failure the
// response has been written and ok is false.
func LoadTenantObject[T any](c *gin.Context, db *gorm.DB, id, name string, tenantOf func(*T) uint) (row *T, ok bool) {
	ctx := c.Request.Context()

	var v T
	if err := db.WithContext(ctx).Where("id = ?", id).First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierr.Abort(c, apierr.New(apierr.NotFound, name+" not found"))
		} else {
			apierr.Abort(c, err)
		}
		return nil, false
	}

	tenant, err := GetScope(c).EnsureTenantMember(ctx, tenantOf(&v))
	if err != nil {
		apierr.Abort(c, err)
		return nil, false
	}
	SetTenant(c, tenant)
	return &v, true
}

// RequireOrgPermission checks the account's organisation role against the authorizer.
func RequireOrgPermission(az *authz.Authorizer, object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := GetOrgRole(c)
		ok, err := az.Allowed(role, object, action)
		if err != nil {
			apierr.Abort(c, err)
			return
		}
		if !ok {
			apierr.Abort(c, apierr.New(apierr.Forbidden, "Insufficient permissions"))
			return
		}
		c.Next()
	}
}

// IsSuperAdmin reports whether an email belongs to one of the operator domains.
func IsSuperAdmin(email string, domains []string) bool {
	email = strings.ToLower(email)
	for _, d := range domains {
		if d != "" && strings.HasSuffix(email, "@"+strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// RequireSuperAdmin allows only operator accounts through.
func RequireSuperAdmin(domains []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := GetAccount(c)
		if !ok {
			apierr.Abort(c, apierr.New(apierr.Unauthorized, "Authentication required"))
			return
		}
		if !IsSuperAdmin(account.Email, domains) {
			apierr.Abort(c, apierr.New(apierr.Forbidden, "Superadmin access required"))
			return
		}
		c.Next()
	}
}

// RequireInternalSecret guards service-to-service endpoints. Callers present
// the internal secret as a bearer token.
func RequireInternalSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := sessionToken(c)
		if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			apierr.Abort(c, apierr.New(apierr.Unauthorized, "Invalid internal secret"))
			return
		}
		c.Next()
	}
}

// GetAccount returns the signed in account from the gin context
func GetAccount(c *gin.Context) (*models.Account, bool) {
	v, exists := c.Get(ContextKeyAccount)
	if !exists {
		return nil, false
	}
	return v.(*models.Account), true
}

// GetSession returns the current session from the gin context
func GetSession(c *gin.Context) (*models.Session, bool) {
	v, exists := c.Get(ContextKeySession)
	if !exists {
		return nil, false
	}
	return v.(*models.Session), true
}

// GetOrg returns the organisation from the gin context
func GetOrg(c *gin.Context) (*models.Organisation, bool) {
	v, exists := c.Get(ContextKeyOrg)
	if !exists {
		return nil, false
	}
	return v.(*models.Organisation), true
}

// GetOrgRole returns the account's role in the current organisation
func GetOrgRole(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyOrgRole)
	if !exists {
		return "", false
	}
	return v.(string), true
}

// GetTenant returns the tenant from the gin context
func GetTenant(c *gin.Context) (*models.Tenant, bool) {
	v, exists := c.Get(ContextKeyTenant)
	if !exists {
		return nil, false
	}
	return v.(*models.Tenant), true
}

// GetScope returns the request's membership cache. It must run after SessionMiddleware.
func GetScope(c *gin.Context) *Scope {
	v, exists := c.Get(ContextKeyScope)
	if !exists {
		return &Scope{}
	}
	return v.(*Scope)
}

// Scope answers membership questions for one account and caches the answers
// for the lifetime of a request.
type Scope struct {
	db      *gorm.DB
	account *models.Account

	mu      sync.Mutex
	loaded  bool
	orgs    []models.Organisation
	tenants []models.Tenant
}

func NewScope(db *gorm.DB, account *models.Account) *Scope {
	return &Scope{db: db, account: account}
}

func (s *Scope) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return nil
	}
	if s.account == nil {
		return apierr.New(apierr.Unauthorized, "Authentication required")
	}

	db := database.Use(ctx, s.db)
	var orgs []models.Organisation
	if err := db.Model(&models.Organisation{}).
		Joins("JOIN organisation_members ON organisation_members.org_pk = organisations.pk").
		Where("organisation_members.account_pk = ?", s.account.PK).
		Order("organisations.pk").
		Find(&orgs).Error; err != nil {
		return err
	}

	var tenants []models.Tenant
	if err := db.Model(&models.Tenant{}).
		Joins("JOIN organisation_members ON organisation_members.org_pk = tenants.org_pk").
		Where("organisation_members.account_pk = ?", s.account.PK).
		Order("tenants.pk").
		Find(&tenants).Error; err != nil {
		return err
	}

	s.orgs, s.tenants, s.loaded = orgs, tenants, true
	return nil
}

// Reset drops cached memberships, e.g. after the request created an organisation.
func (s *Scope) Reset() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

// Organisations lists the organisations the account belongs to.
func (s *Scope) Organisations(ctx context.Context) ([]models.Organisation, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s.orgs, nil
}

// Tenants lists the tenants of every organisation the account belongs to.
func (s *Scope) Tenants(ctx context.Context) ([]models.Tenant, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s.tenants, nil
}

func (s *Scope) OrgBySlug(ctx context.Context, slug string) (*models.Organisation, error) {
	orgs, err := s.Organisations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orgs {
		if orgs[i].Slug == slug {
			org := orgs[i]
			return &org, nil
		}
	}
	return nil, apierr.New(apierr.Forbidden, "Not a member of this organisation")
}

func (s *Scope) EnsureOrgMember(ctx context.Context, orgPK uint) (*models.Organisation, error) {
	orgs, err := s.Organisations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orgs {
		if orgs[i].PK == orgPK {
			org := orgs[i]
			return &org, nil
		}
	}
	return nil, apierr.New(apierr.Forbidden, "Not a member of this organisation")
}

func (s *Scope) TenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	tenants, err := s.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tenants {
		if tenants[i].Slug == slug {
			tenant := tenants[i]
			return &tenant, nil
		}
	}
	return nil, apierr.New(apierr.Forbidden, "Not a member of this tenant")
}

// EnsureTenantMember returns the tenant if the account may access it.
func (s *Scope) EnsureTenantMember(ctx context.Context, tenantPK uint) (*models.Tenant, error) {
	tenants, err := s.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tenants {
		if tenants[i].PK == tenantPK {
			tenant := tenants[i]
			return &tenant, nil
		}
	}
	return nil, apierr.New(apierr.Forbidden, "Not a member of this tenant")
}
