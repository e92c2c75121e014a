// Package admin serves operator-only endpoints: feature flags and system statistics.
package admin

import (
	"errors"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/authz"
	"github.com/mattrax/forge/pkg/forge/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var featurePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Handler handles admin requests
type Handler struct {
	db      *gorm.DB
	authz   *authz.Authorizer
	domains []string
	logger  *zap.Logger
}

// NewHandler creates a new admin handler. domains are the email domains of
// superadmin accounts.
func NewHandler(db *gorm.DB, az *authz.Authorizer, domains []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{db: db, authz: az, domains: domains, logger: logger}
}

// ToggleFeatureRequest flips a feature flag on an account
type ToggleFeatureRequest struct {
	Feature string `json:"feature" binding:"required"`
	// Email defaults to the signed in account.
	Email string `json:"email" binding:"omitempty,email"`
}

// FeaturesResponse lists an account's feature flags
type FeaturesResponse struct {
	Email    string   `json:"email"`
	Features []string `json:"features"`
}

// StatsResponse counts rows across every tenant
type StatsResponse struct {
	Accounts       int64 `json:"accounts"`
	ActiveSessions int64 `json:"active_sessions"`
	Organisations  int64 `json:"organisations"`
	Tenants        int64 `json:"tenants"`
	Users          int64 `json:"users"`
	Devices        int64 `json:"devices"`
	Policies       int64 `json:"policies"`
	Deploys        int64 `json:"deploys"`
}

// RegisterRoutes registers routes on the authenticated /api group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	admin.POST("/features", h.ToggleFeature)

	superadmin := admin.Group("", auth.RequireSuperAdmin(h.domains))
	superadmin.GET("/features", h.require(authz.ObjectFeatures, authz.ActionRead), h.Features)
	superadmin.GET("/stats", h.require(authz.ObjectStats, authz.ActionRead), h.Stats)
}

func (h *Handler) role(c *gin.Context) string {
	account, ok := auth.GetAccount(c)
	if ok && auth.IsSuperAdmin(account.Email, h.domains) {
		return authz.RoleSuperAdmin
	}
	return ""
}

func (h *Handler) require(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := h.authz.Allowed(h.role(c), object, action)
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

func (h *Handler) accountByEmail(c *gin.Context, email string) (*models.Account, error) {
	var account models.Account
	err := h.db.WithContext(c.Request.Context()).Where("email = ?", strings.ToLower(email)).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.NotFound, "Account not found")
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Features returns the feature flags of an account
// @Summary Get account features
// @Tags admin
// @Produce json
// @Param email query string true "Account email"
// @Success 200 {object} FeaturesResponse
// @Failure 403 {object} map[string]string
// @Router /admin/features [get]
func (h *Handler) Features(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		apierr.Abort(c, apierr.New(apierr.BadRequest, "email is required"))
		return
	}
	account, err := h.accountByEmail(c, email)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	features := account.Features
	if features == nil {
		features = []string{}
	}
	c.JSON(http.StatusOK, FeaturesResponse{Email: account.Email, Features: features})
}

// ToggleFeature enables a feature flag, or disables it if already enabled.
// Superadmins may toggle flags on any account; everyone else may only disable
// their own.
// @Summary Toggle account feature
// @Tags admin
// @Accept json
// @Produce json
// @Param request body ToggleFeatureRequest true "Feature"
// @Success 200 {object} FeaturesResponse
// @Failure 403 {object} map[string]string
// @Router /admin/features [post]
func (h *Handler) ToggleFeature(c *gin.Context) {
	caller, _ := auth.GetAccount(c)

	var req ToggleFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	if !featurePattern.MatchString(req.Feature) {
		apierr.Abort(c, apierr.New(apierr.BadRequest, "Invalid feature name"))
		return
	}

	privileged, err := h.authz.Allowed(h.role(c), authz.ObjectFeatures, authz.ActionWrite)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	target := caller
	if req.Email != "" && !strings.EqualFold(req.Email, caller.Email) {
		if !privileged {
			apierr.Abort(c, apierr.New(apierr.Forbidden, "Superadmin access required"))
			return
		}
		if target, err = h.accountByEmail(c, req.Email); err != nil {
			apierr.Abort(c, err)
			return
		}
	}

	enabling := !target.HasFeature(req.Feature)
	if enabling && !privileged {
		apierr.Abort(c, apierr.New(apierr.Forbidden, "Only superadmins can enable features"))
		return
	}

	if enabling {
		target.Features = append(target.Features, req.Feature)
	} else {
		target.Features = slices.DeleteFunc(target.Features, func(f string) bool { return f == req.Feature })
	}
	if len(target.Features) == 0 {
		target.Features = nil
	}
	if err := h.db.WithContext(c.Request.Context()).Model(target).Select("features").Updates(target).Error; err != nil {
		apierr.Abort(c, err)
		return
	}

	h.logger.Info("toggled account feature",
		zap.String("account_id", target.ID),
		zap.String("feature", req.Feature),
		zap.Bool("enabled", enabling),
		zap.String("by", caller.ID))

	features := target.Features
	if features == nil {
		features = []string{}
	}
	c.JSON(http.StatusOK, FeaturesResponse{Email: target.Email, Features: features})
}

// Stats counts rows across the whole installation
// @Summary System statistics
// @Tags admin
// @Produce json
// @Success 200 {object} StatsResponse
// @Router /admin/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	db := h.db.WithContext(c.Request.Context())

	var resp StatsResponse
	counts := []struct {
		model any
		dst   *int64
	}{
		{&models.Account{}, &resp.Accounts},
		{&models.Organisation{}, &resp.Organisations},
		{&models.Tenant{}, &resp.Tenants},
		{&models.User{}, &resp.Users},
		{&models.Device{}, &resp.Devices},
		{&models.Policy{}, &resp.Policies},
		{&models.PolicyDeploy{}, &resp.Deploys},
	}
	for _, q := range counts {
		if err := db.Model(q.model).Count(q.dst).Error; err != nil {
			apierr.Abort(c, err)
			return
		}
	}
	if err := db.Model(&models.Session{}).Where("expires_at > ?", time.Now()).Count(&resp.ActiveSessions).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
