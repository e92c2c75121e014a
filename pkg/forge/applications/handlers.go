// Package applications manages the apps a tenant can push to devices.
package applications

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/assignables"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Handler handles application requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new applications handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// CreateRequest creates an application
type CreateRequest struct {
	Name        string `json:"name" binding:"required,notblank,max=256"`
	Description string `json:"description" binding:"max=256"`
	TargetType  string `json:"target_type" binding:"required,oneof=iOS Windows"`
	TargetID    string `json:"target_id" binding:"required,max=255"`
}

// Summary is a row of the application list
type Summary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TargetType string `json:"target_type"`
}

// RegisterTenantRoutes registers routes on a group that resolves :tenantSlug
func (h *Handler) RegisterTenantRoutes(rg *gin.RouterGroup) {
	rg.GET("/apps", h.List)
	rg.POST("/apps", h.Create)
}

// RegisterRoutes registers routes on the authenticated /api group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	apps := rg.Group("/apps/:id", h.load)
	apps.GET("", h.Get)
	apps.DELETE("", h.Delete)
	apps.GET("/assignees", h.Assignees)
	apps.POST("/assignees", h.AddAssignees)
	apps.DELETE("/assignees", h.RemoveAssignees)
}

const contextKeyApp = "application"

func (h *Handler) load(c *gin.Context) {
	app, ok := auth.LoadTenantObject(c, h.db, c.Param("id"), "Application", func(a *models.Application) uint { return a.TenantPK })
	if !ok {
		return
	}
	c.Set(contextKeyApp, app)
	c.Next()
}

func getApp(c *gin.Context) *models.Application {
	return c.MustGet(contextKeyApp).(*models.Application)
}

// List returns the tenant's applications
// @Summary List applications
// @Tags applications
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {array} Summary
// @Router /t/{tenantSlug}/apps [get]
func (h *Handler) List(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	apps := []Summary{}
	if err := h.db.WithContext(c.Request.Context()).
		Model(&models.Application{}).
		Select("id", "name", "target_type").
		Where("tenant_pk = ?", tenant.PK).
		Order("name").
		Scan(&apps).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, apps)
}

// Create adds an application
// @Summary Create application
// @Tags applications
// @Accept json
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Param request body CreateRequest true "Application"
// @Success 201 {object} models.Application
// @Router /t/{tenantSlug}/apps [post]
func (h *Handler) Create(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	app := models.Application{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		TargetType:  req.TargetType,
		TargetID:    strings.TrimSpace(req.TargetID),
		TenantPK:    tenant.PK,
	}
	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&app).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionAddApp, map[string]any{"id": app.ID, "name": app.Name})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

// Get returns an application
// @Summary Get application
// @Tags applications
// @Produce json
// @Param id path string true "Application ID"
// @Success 200 {object} models.Application
// @Failure 404 {object} map[string]string
// @Router /apps/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, getApp(c))
}

// Delete removes an application and its assignments
// @Summary Delete application
// @Tags applications
// @Param id path string true "Application ID"
// @Success 204
// @Router /apps/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	app := getApp(c)

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Where("application_pk = ?", app.PK).Delete(&models.ApplicationAssignable{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Application{}, app.PK).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionDeleteApp, map[string]any{"id": app.ID, "name": app.Name})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Assignees lists the users, devices and groups an application targets
// @Summary List application assignees
// @Tags applications
// @Produce json
// @Param id path string true "Application ID"
// @Success 200 {array} assignables.Named
// @Router /apps/{id}/assignees [get]
func (h *Handler) Assignees(c *gin.Context) {
	app := getApp(c)
	ctx := c.Request.Context()

	var rows []models.ApplicationAssignable
	if err := h.db.WithContext(ctx).Where("application_pk = ?", app.PK).Order("variant, pk").Find(&rows).Error; err != nil {
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

// AddAssignees targets an application at users, devices or groups
// @Summary Add application assignees
// @Tags applications
// @Accept json
// @Param id path string true "Application ID"
// @Param request body assignables.Request true "Assignees"
// @Success 204
// @Router /apps/{id}/assignees [post]
func (h *Handler) AddAssignees(c *gin.Context) {
	app := getApp(c)

	var req assignables.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := assignables.Validate(ctx, tx, app.TenantPK, req.Members, models.VariantUser, models.VariantDevice, models.VariantGroup); err != nil {
			return err
		}
		rows := make([]models.ApplicationAssignable, len(req.Members))
		for i, m := range req.Members {
			rows[i] = models.ApplicationAssignable{ApplicationPK: app.PK, PK: m.PK, Variant: m.Variant}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveAssignees stops targeting users, devices or groups
// @Summary Remove application assignees
// @Tags applications
// @Accept json
// @Param id path string true "Application ID"
// @Param request body assignables.Request true "Assignees"
// @Success 204
// @Router /apps/{id}/assignees [delete]
func (h *Handler) RemoveAssignees(c *gin.Context) {
	app := getApp(c)

	var req assignables.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	if err := assignables.Remove(h.db.WithContext(c.Request.Context()), &models.ApplicationAssignable{}, "application_pk", app.PK, req.Members); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
