// Package users serves the users synced from a tenant's identity provider.
package users

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/gorm"
)

// Handler handles user requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new users handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// UserResponse is a user with the identity provider it came from
type UserResponse struct {
	PK         uint      `json:"pk"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UPN        string    `json:"upn"`
	Provider   string    `json:"provider"`
	ResourceID string    `json:"resource_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// OwnedDevice is a device owned by a user
type OwnedDevice struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	OS   models.OS `json:"os"`
}

// RegisterTenantRoutes registers routes on a group that resolves :tenantSlug
func (h *Handler) RegisterTenantRoutes(rg *gin.RouterGroup) {
	rg.GET("/users", h.List)
}

// RegisterRoutes registers routes on the authenticated /api group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	users := rg.Group("/users/:id", h.load)
	users.GET("", h.Get)
	users.GET("/devices", h.Devices)
}

const contextKeyUser = "user"

func (h *Handler) load(c *gin.Context) {
	user, ok := auth.LoadTenantObject(c, h.db, c.Param("id"), "User", func(u *models.User) uint { return u.TenantPK })
	if !ok {
		return
	}
	c.Set(contextKeyUser, user)
	c.Next()
}

func (h *Handler) query(c *gin.Context) *gorm.DB {
	return h.db.WithContext(c.Request.Context()).
		Table("users").
		Select("users.pk, users.id, users.name, users.upn, identity_providers.provider, users.resource_id, users.created_at").
		Joins("LEFT JOIN identity_providers ON identity_providers.pk = users.provider_pk")
}

// List returns the tenant's users
// @Summary List users
// @Tags users
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {array} UserResponse
// @Router /t/{tenantSlug}/users [get]
func (h *Handler) List(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	users := []UserResponse{}
	if err := h.query(c).Where("users.tenant_pk = ?", tenant.PK).Order("users.name, users.pk").Scan(&users).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// Get returns a user
// @Summary Get user
// @Tags users
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} UserResponse
// @Failure 404 {object} map[string]string
// @Router /users/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	user := c.MustGet(contextKeyUser).(*models.User)

	var resp UserResponse
	if err := h.query(c).Where("users.pk = ?", user.PK).Scan(&resp).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Devices returns the devices a user owns
// @Summary List a user's devices
// @Tags users
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {array} OwnedDevice
// @Router /users/{id}/devices [get]
func (h *Handler) Devices(c *gin.Context) {
	user := c.MustGet(contextKeyUser).(*models.User)

	devices := []OwnedDevice{}
	if err := h.db.WithContext(c.Request.Context()).
		Model(&models.Device{}).
		Select("id", "name", "os").
		Where("owner_pk = ?", user.PK).
		Order("name").
		Scan(&devices).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}
