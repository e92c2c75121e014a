// Package policies manages policies, their assignees and their deploys.
package policies

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/assignables"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/deploy"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/mattrax/forge/pkg/forge/policy"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Handler handles policy requests
type Handler struct {
	db      *gorm.DB
	deploys *deploy.Service
	logger  *zap.Logger
}

// NewHandler creates a new policies handler
func NewHandler(db *gorm.DB, deploys *deploy.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{db: db, deploys: deploys, logger: logger}
}

// CreateRequest creates a policy
type CreateRequest struct {
	Name string `json:"name" binding:"required,notblank,max=100"`
}

// UpdateRequest changes a policy. Omitted fields are left as they are.
type UpdateRequest struct {
	Name     *string      `json:"name" binding:"omitnil,notblank,max=100"`
	Priority *int         `json:"priority" binding:"omitempty,min=1,max=255"`
	Data     *policy.Data `json:"data"`
}

// DeleteRequest deletes several policies at once
type DeleteRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,max=100"`
}

// Summary is a row of the policy list
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	LastModified time.Time `json:"last_modified"`
}

// PolicyResponse is a policy with the changes made since its last deploy
type PolicyResponse struct {
	models.Policy
	Diff []policy.Change `json:"diff"`
}

// OverviewResponse counts what a policy reaches
type OverviewResponse struct {
	Devices int `json:"devices"`
	Users   int `json:"users"`
}

// RegisterTenantRoutes registers routes on a group that resolves :tenantSlug
func (h *Handler) RegisterTenantRoutes(rg *gin.RouterGroup) {
	rg.GET("/policies", h.List)
	rg.POST("/policies", h.Create)
	rg.DELETE("/policies", h.DeleteMany)
}

// RegisterRoutes registers routes on the authenticated /api group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	policies := rg.Group("/policies/:id", h.load)
	policies.GET("", h.Get)
	policies.PATCH("", h.Update)
	policies.GET("/overview", h.Overview)
	policies.GET("/assignees", h.Assignees)
	policies.POST("/assignees", h.AddAssignees)
	policies.DELETE("/assignees", h.RemoveAssignees)
	policies.POST("/deploy", h.Deploy)
	policies.GET("/deploys", h.Deploys)
	policies.GET("/deploys/:deployId", h.GetDeploy)
	policies.GET("/deploys/:deployId/status", h.DeployStatus)
	policies.GET("/export", h.Export)
	policies.POST("/import", h.Import)
}

// RegisterInternalRoutes registers the routes the MDM service calls. rg must
// be guarded by auth.RequireInternalSecret.
func (h *Handler) RegisterInternalRoutes(rg *gin.RouterGroup) {
	rg.POST("/deploys/:deployId/status", h.ReportStatus)
}

const contextKeyPolicy = "policy"

func (h *Handler) load(c *gin.Context) {
	pol, ok := auth.LoadTenantObject(c, h.db, c.Param("id"), "Policy", func(p *models.Policy) uint { return p.TenantPK })
	if !ok {
		return
	}
	c.Set(contextKeyPolicy, pol)
	c.Next()
}

func getPolicy(c *gin.Context) *models.Policy {
	return c.MustGet(contextKeyPolicy).(*models.Policy)
}

// List returns the tenant's policies
// @Summary List policies
// @Tags policies
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {array} Summary
// @Router /t/{tenantSlug}/policies [get]
func (h *Handler) List(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	policies := []Summary{}
	if err := h.db.WithContext(c.Request.Context()).
		Model(&models.Policy{}).
		Select("id", "name", "priority", "last_modified").
		Where("tenant_pk = ?", tenant.PK).
		Order("priority, name").
		Scan(&policies).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, policies)
}

// Create creates an empty policy
// @Summary Create policy
// @Tags policies
// @Accept json
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Param request body CreateRequest true "Policy"
// @Success 201 {object} models.Policy
// @Router /t/{tenantSlug}/policies [post]
func (h *Handler) Create(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	pol := models.Policy{Name: strings.TrimSpace(req.Name), TenantPK: tenant.PK}
	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&pol).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionAddPolicy, map[string]any{"id": pol.ID, "name": pol.Name})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, pol)
}

// DeleteMany deletes policies along with their assignees and deploy history
// @Summary Delete policies
// @Tags policies
// @Accept json
// @Param tenantSlug path string true "Tenant slug"
// @Param request body DeleteRequest true "Policy IDs"
// @Success 204
// @Failure 404 {object} map[string]string
// @Router /t/{tenantSlug}/policies [delete]
func (h *Handler) DeleteMany(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		var policies []models.Policy
		if err := tx.Select("pk", "id", "name").
			Where("tenant_pk = ? AND id IN ?", tenant.PK, req.IDs).
			Find(&policies).Error; err != nil {
			return err
		}
		found := make(map[string]bool, len(policies))
		for _, p := range policies {
			found[p.ID] = true
		}
		for _, id := range req.IDs {
			if !found[id] {
				return apierr.New(apierr.NotFound, "Policy not found")
			}
		}

		for _, p := range policies {
			if err := deletePolicy(tx, p.PK); err != nil {
				return err
			}
			if err := audit.Record(ctx, tx, audit.ActionDeletePolicy, map[string]any{"id": p.ID, "name": p.Name}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deletePolicy removes a policy and every row that refers to it, children first.
func deletePolicy(tx *gorm.DB, policyPK uint) error {
	deploys := tx.Model(&models.PolicyDeploy{}).Select("pk").Where("policy_pk = ?", policyPK)
	if err := tx.Where("deploy_pk IN (?)", deploys).Delete(&models.PolicyDeployStatus{}).Error; err != nil {
		return err
	}
	for _, model := range []any{&models.PolicyDeploy{}, &models.PolicyAssignable{}} {
		if err := tx.Where("policy_pk = ?", policyPK).Delete(model).Error; err != nil {
			return err
		}
	}
	return tx.Delete(&models.Policy{}, policyPK).Error
}

// Get returns a policy and its undeployed changes
// @Summary Get policy
// @Tags policies
// @Produce json
// @Param id path string true "Policy ID"
// @Success 200 {object} PolicyResponse
// @Failure 404 {object} map[string]string
// @Router /policies/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	pol := getPolicy(c)

	diff, err := h.deploys.Pending(c.Request.Context(), pol)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	if diff == nil {
		diff = []policy.Change{}
	}
	c.JSON(http.StatusOK, PolicyResponse{Policy: *pol, Diff: diff})
}

// Update renames a policy, changes its priority or replaces its data
// @Summary Update policy
// @Tags policies
// @Accept json
// @Produce json
// @Param id path string true "Policy ID"
// @Param request body UpdateRequest true "Fields to update"
// @Success 200 {object} PolicyResponse
// @Router /policies/{id} [patch]
func (h *Handler) Update(c *gin.Context) {
	pol := getPolicy(c)

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	if req.Name != nil {
		pol.Name = strings.TrimSpace(*req.Name)
	}
	if req.Priority != nil {
		pol.Priority = *req.Priority
	}
	if req.Data != nil {
		if err := req.Data.Validate(); err != nil {
			apierr.Abort(c, apierr.New(apierr.BadRequest, err.Error()))
			return
		}
		pol.Data = *req.Data
	}

	if err := h.save(c.Request.Context(), pol); err != nil {
		apierr.Abort(c, err)
		return
	}
	h.Get(c)
}

func (h *Handler) save(ctx context.Context, pol *models.Policy) error {
	pol.LastModified = time.Now()
	return database.Use(ctx, h.db).
		Model(pol).
		Select("name", "priority", "data", "last_modified").
		Updates(pol).Error
}

// Overview counts the devices and users a policy reaches
// @Summary Policy overview
// @Tags policies
// @Produce json
// @Param id path string true "Policy ID"
// @Success 200 {object} OverviewResponse
// @Router /policies/{id}/overview [get]
func (h *Handler) Overview(c *gin.Context) {
	pol := getPolicy(c)

	scope, err := deploy.ResolveScope(c.Request.Context(), h.db, pol.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, OverviewResponse{Devices: len(scope.DevicePKs), Users: len(scope.UserPKs)})
}

// Assignees lists the users, devices and groups a policy is assigned to
// @Summary List policy assignees
// @Tags policies
// @Produce json
// @Param id path string true "Policy ID"
// @Success 200 {array} assignables.Named
// @Router /policies/{id}/assignees [get]
func (h *Handler) Assignees(c *gin.Context) {
	pol := getPolicy(c)
	ctx := c.Request.Context()

	var rows []models.PolicyAssignable
	if err := h.db.WithContext(ctx).Where("policy_pk = ?", pol.PK).Order("variant, pk").Find(&rows).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	refs := make([]assignables.Ref, len(rows))
	for i, r := range rows {
		refs[i] = assignables.Ref{PK: r.PK, Variant: r.Variant}
	}
	named, err := assignables.Describe(ctx, h.db, refs)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, named)
}

// AddAssignees assigns a policy to users, devices or groups
// @Summary Add policy assignees
// @Tags policies
// @Accept json
// @Param id path string true "Policy ID"
// @Param request body assignables.Request true "Assignees"
// @Success 204
// @Router /policies/{id}/assignees [post]
func (h *Handler) AddAssignees(c *gin.Context) {
	pol := getPolicy(c)

	var req assignables.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := assignables.Validate(ctx, tx, pol.TenantPK, req.Members, models.VariantUser, models.VariantDevice, models.VariantGroup); err != nil {
			return err
		}
		rows := make([]models.PolicyAssignable, len(req.Members))
		for i, m := range req.Members {
			rows[i] = models.PolicyAssignable{PolicyPK: pol.PK, PK: m.PK, Variant: m.Variant}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveAssignees unassigns a policy from users, devices or groups
// @Summary Remove policy assignees
// @Tags policies
// @Accept json
// @Param id path string true "Policy ID"
// @Param request body assignables.Request true "Assignees"
// @Success 204
// @Router /policies/{id}/assignees [delete]
func (h *Handler) RemoveAssignees(c *gin.Context) {
	pol := getPolicy(c)

	var req assignables.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	if err := assignables.Remove(h.db.WithContext(c.Request.Context()), &models.PolicyAssignable{}, "policy_pk", pol.PK, req.Members); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
