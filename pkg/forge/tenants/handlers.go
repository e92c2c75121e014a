package tenants

import (
	"context"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/authz"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,98}[a-z0-9]$`)

// restrictedSlugs collide with dashboard routes.
var restrictedSlugs = []string{"admin", "api", "new", "settings", "invite", "login", "cli", "forge", "mattrax"}

// Handler handles tenant requests
type Handler struct {
	db     *gorm.DB
	authz  *authz.Authorizer
	logger *zap.Logger
}

// NewHandler creates a new tenants handler
func NewHandler(db *gorm.DB, az *authz.Authorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{db: db, authz: az, logger: logger}
}

// CreateTenantRequest represents the request to create a tenant
type CreateTenantRequest struct {
	Name string `json:"name" binding:"required,notblank,max=100"`
}

// UpdateTenantRequest represents the request to update a tenant
type UpdateTenantRequest struct {
	Name *string `json:"name" binding:"omitnil,notblank,max=100"`
	Slug *string `json:"slug"`
}

// TenantResponse is a tenant
type TenantResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// StatsResponse counts the rows owned by a tenant
type StatsResponse struct {
	Users    int64 `json:"users"`
	Devices  int64 `json:"devices"`
	Policies int64 `json:"policies"`
	Apps     int64 `json:"applications"`
	Groups   int64 `json:"groups"`
}

// GettingStartedResponse tracks the onboarding checklist
type GettingStartedResponse struct {
	ConnectedIdentityProvider bool `json:"connected_identity_provider"`
	EnrolledADevice           bool `json:"enrolled_a_device"`
	CreatedFirstPolicy        bool `json:"created_first_policy"`
}

// RegisterOrgRoutes registers routes on a group that resolves :orgSlug
func (h *Handler) RegisterOrgRoutes(rg *gin.RouterGroup) {
	rg.GET("/tenants", auth.RequireOrgPermission(h.authz, authz.ObjectTenants, authz.ActionRead), h.List)
	rg.POST("/tenants", auth.RequireOrgPermission(h.authz, authz.ObjectTenants, authz.ActionWrite), h.Create)
}

// RegisterTenantRoutes registers routes on a group that resolves :tenantSlug
func (h *Handler) RegisterTenantRoutes(rg *gin.RouterGroup) {
	rg.PATCH("", h.Update)
	rg.DELETE("", h.Delete)
	rg.GET("/stats", h.Stats)
	rg.GET("/audit-log", h.AuditLog)
	rg.GET("/getting-started", h.GettingStarted)
}

// List returns the organisation's tenants
// @Summary List tenants
// @Tags tenants
// @Produce json
// @Param orgSlug path string true "Organisation slug"
// @Success 200 {array} TenantResponse
// @Router /o/{orgSlug}/tenants [get]
func (h *Handler) List(c *gin.Context) {
	org, _ := auth.GetOrg(c)

	var tenants []models.Tenant
	if err := h.db.WithContext(c.Request.Context()).Where("org_pk = ?", org.PK).Order("name").Find(&tenants).Error; err != nil {
		apierr.Abort(c, err)
		return
	}

	resp := make([]TenantResponse, len(tenants))
	for i := range tenants {
		resp[i] = toResponse(&tenants[i])
	}
	c.JSON(http.StatusOK, resp)
}

// Create creates a tenant in the organisation
// @Summary Create tenant
// @Tags tenants
// @Accept json
// @Produce json
// @Param orgSlug path string true "Organisation slug"
// @Param request body CreateTenantRequest true "Tenant"
// @Success 201 {object} TenantResponse
// @Router /o/{orgSlug}/tenants [post]
func (h *Handler) Create(c *gin.Context) {
	org, _ := auth.GetOrg(c)

	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	slug, err := auth.RandomSlug(req.Name)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	tenant := models.Tenant{Name: strings.TrimSpace(req.Name), Slug: slug, OrgPK: org.PK}
	if err := h.db.WithContext(c.Request.Context()).Create(&tenant).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	auth.GetScope(c).Reset()

	c.JSON(http.StatusCreated, toResponse(&tenant))
}

// Update renames the tenant or changes its slug
// @Summary Update tenant
// @Tags tenants
// @Accept json
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Param request body UpdateTenantRequest true "Fields to update"
// @Success 200 {object} TenantResponse
// @Failure 409 {object} map[string]string "Slug taken"
// @Router /t/{tenantSlug} [patch]
func (h *Handler) Update(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	var req UpdateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		tenant.Name = strings.TrimSpace(*req.Name)
		updates["name"] = tenant.Name
	}
	if req.Slug != nil && *req.Slug != tenant.Slug {
		slug := strings.ToLower(*req.Slug)
		if !slugPattern.MatchString(slug) {
			apierr.Abort(c, apierr.New(apierr.BadRequest, "Slug must be 3-100 lowercase letters, digits or dashes"))
			return
		}
		if slices.Contains(restrictedSlugs, slug) {
			apierr.Abort(c, apierr.New(apierr.BadRequest, "Slug is reserved"))
			return
		}
		tenant.Slug = slug
		updates["slug"] = slug
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, toResponse(tenant))
		return
	}

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if slug, ok := updates["slug"]; ok {
			var taken int64
			if err := tx.Model(&models.Tenant{}).Where("slug = ? AND pk <> ?", slug, tenant.PK).Count(&taken).Error; err != nil {
				return err
			}
			if taken > 0 {
				return apierr.New(apierr.Conflict, "Slug is already in use")
			}
		}
		if err := tx.Model(&models.Tenant{}).Where("pk = ?", tenant.PK).Updates(updates).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionUpdateTenant, updates)
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	auth.GetScope(c).Reset()

	c.JSON(http.StatusOK, toResponse(tenant))
}

// Stats counts the tenant's users, devices, policies, applications and groups
// @Summary Tenant statistics
// @Tags tenants
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {object} StatsResponse
// @Router /t/{tenantSlug}/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)
	db := h.db.WithContext(c.Request.Context())

	var resp StatsResponse
	counts := []struct {
		model any
		dst   *int64
	}{
		{&models.User{}, &resp.Users},
		{&models.Device{}, &resp.Devices},
		{&models.Policy{}, &resp.Policies},
		{&models.Application{}, &resp.Apps},
		{&models.Group{}, &resp.Groups},
	}
	for _, q := range counts {
		if err := db.Model(q.model).Where("tenant_pk = ?", tenant.PK).Count(q.dst).Error; err != nil {
			apierr.Abort(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// AuditLog returns the tenant's most recent audit entries
// @Summary Tenant audit log
// @Tags tenants
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Param limit query int false "Maximum entries"
// @Success 200 {array} audit.Entry
// @Router /t/{tenantSlug}/audit-log [get]
func (h *Handler) AuditLog(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierr.Abort(c, apierr.New(apierr.BadRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := audit.List(c.Request.Context(), h.db, tenant.PK, limit)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// GettingStarted reports which onboarding steps the tenant has completed
// @Summary Onboarding progress
// @Tags tenants
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {object} GettingStartedResponse
// @Router /t/{tenantSlug}/getting-started [get]
func (h *Handler) GettingStarted(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)
	db := h.db.WithContext(c.Request.Context())

	exists := func(model any) (bool, error) {
		var n int64
		err := db.Model(model).Where("tenant_pk = ?", tenant.PK).Limit(1).Count(&n).Error
		return n > 0, err
	}

	var resp GettingStartedResponse
	var err error
	if resp.ConnectedIdentityProvider, err = exists(&models.IdentityProvider{}); err != nil {
		apierr.Abort(c, err)
		return
	}
	if resp.EnrolledADevice, err = exists(&models.Device{}); err != nil {
		apierr.Abort(c, err)
		return
	}
	if resp.CreatedFirstPolicy, err = exists(&models.Policy{}); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Delete removes the tenant and everything it owns. Tenants with enrolled
// devices or a linked identity provider cannot be deleted.
// @Summary Delete tenant
// @Tags tenants
// @Param tenantSlug path string true "Tenant slug"
// @Success 204
// @Failure 412 {object} map[string]string
// @Router /t/{tenantSlug} [delete]
func (h *Handler) Delete(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		var devices, providers int64
		if err := tx.Model(&models.Device{}).Where("tenant_pk = ?", tenant.PK).Count(&devices).Error; err != nil {
			return err
		}
		if devices > 0 {
			return apierr.New(apierr.PreconditionFailed, "Tenant has enrolled devices")
		}
		if err := tx.Model(&models.IdentityProvider{}).Where("tenant_pk = ?", tenant.PK).Count(&providers).Error; err != nil {
			return err
		}
		if providers > 0 {
			return apierr.New(apierr.PreconditionFailed, "Tenant has an identity provider")
		}
		return deleteTenantRows(tx, tenant.PK)
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	h.logger.Info("tenant deleted", zap.String("tenant_id", tenant.ID))
	auth.GetScope(c).Reset()
	c.Status(http.StatusNoContent)
}

// deleteTenantRows removes every row owned by a tenant, children first.
func deleteTenantRows(tx *gorm.DB, tenantPK uint) error {
	owned := func(model any) *gorm.DB {
		return tx.Model(model).Select("pk").Where("tenant_pk = ?", tenantPK)
	}
	deploys := func() *gorm.DB {
		return tx.Model(&models.PolicyDeploy{}).Select("pk").Where("policy_pk IN (?)", owned(&models.Policy{}))
	}

	steps := []struct {
		model any
		query string
		arg   any
	}{
		{&models.PolicyDeployStatus{}, "deploy_pk IN (?)", deploys()},
		{&models.PolicyDeploy{}, "policy_pk IN (?)", owned(&models.Policy{})},
		{&models.PolicyAssignable{}, "policy_pk IN (?)", owned(&models.Policy{})},
		{&models.Policy{}, "tenant_pk = ?", tenantPK},
		{&models.ApplicationAssignable{}, "application_pk IN (?)", owned(&models.Application{})},
		{&models.Application{}, "tenant_pk = ?", tenantPK},
		{&models.GroupAssignable{}, "group_pk IN (?)", owned(&models.Group{})},
		{&models.Group{}, "tenant_pk = ?", tenantPK},
		{&models.User{}, "tenant_pk = ?", tenantPK},
		{&models.Domain{}, "tenant_pk = ?", tenantPK},
		{&models.AuditLog{}, "tenant_pk = ?", tenantPK},
		{&models.Tenant{}, "pk = ?", tenantPK},
	}
	for _, s := range steps {
		if err := tx.Where(s.query, s.arg).Delete(s.model).Error; err != nil {
			return err
		}
	}
	return nil
}

func toResponse(t *models.Tenant) TenantResponse {
	return TenantResponse{ID: t.ID, Name: t.Name, Slug: t.Slug}
}
