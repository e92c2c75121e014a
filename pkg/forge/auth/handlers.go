package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/mail"
	"github.com/mattrax/forge/pkg/forge/metrics"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/mattrax/forge/pkg/forge/ratelimit"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Options configures the auth handler.
type Options struct {
	BaseURL           string
	Mailer            mail.Mailer
	Limiter           *ratelimit.Limiter
	Logger            *zap.Logger
	Metrics           metrics.Recorder
	SuperadminDomains []string
}

// Handler handles login, session and account requests
type Handler struct {
	db       *gorm.DB
	sessions *Sessions
	opts     Options
}

// NewHandler creates a new auth handler
func NewHandler(db *gorm.DB, sessions *Sessions, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopRecorder{}
	}
	if opts.Mailer == nil {
		opts.Mailer = mail.LogMailer{Logger: opts.Logger}
	}
	return &Handler{db: db, sessions: sessions, opts: opts}
}

// SendLoginCodeRequest represents the request for a login code
type SendLoginCodeRequest struct {
	Email string `json:"email" binding:"required,email,max=320"`
}

// VerifyLoginCodeRequest represents the request to exchange a login code for a session
type VerifyLoginCodeRequest struct {
	Code string `json:"code" binding:"required,len=8,numeric"`
}

// UpdateAccountRequest represents the request to update the signed in account
type UpdateAccountRequest struct {
	Name *string `json:"name" binding:"omitnil,notblank,max=255"`
}

// OrgSummary is an organisation the account belongs to
type OrgSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	OwnerID string `json:"owner_id"`
}

// TenantSummary is a tenant the account can access
type TenantSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	OrgSlug string `json:"org_slug"`
}

// MeResponse describes the signed in account
type MeResponse struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Email      string          `json:"email"`
	Orgs       []OrgSummary    `json:"orgs"`
	Tenants    []TenantSummary `json:"tenants"`
	Features   []string        `json:"features,omitempty"`
	SuperAdmin bool            `json:"superadmin,omitempty"`
}

// RegisterRoutes registers the public auth routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/login/code", h.SendLoginCode)
	rg.POST("/login/verify", h.VerifyLoginCode)
	rg.POST("/cli", h.CreateCLICode)
	rg.GET("/cli/:code", h.RedeemCLICode)
}

// RegisterAuthedRoutes registers routes that need a session
func (h *Handler) RegisterAuthedRoutes(rg *gin.RouterGroup) {
	rg.GET("/me", h.Me)
	rg.PATCH("/me", h.Update)
	rg.POST("/logout", h.Logout)
	rg.POST("/cli/:code/approve", h.ApproveCLICode)
}

// SendLoginCode emails a login code, creating the account on first use
// @Summary Request a login code
// @Tags auth
// @Accept json
// @Produce json
// @Param request body SendLoginCodeRequest true "Email address"
// @Success 200 {object} map[string]string
// @Failure 429 {object} map[string]string
// @Router /auth/login/code [post]
func (h *Handler) SendLoginCode(c *gin.Context) {
	var req SendLoginCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if h.opts.Limiter != nil && (!h.opts.Limiter.Allow("email:"+email) || !h.opts.Limiter.Allow("ip:"+c.ClientIP())) {
		h.opts.Metrics.IncLoginCode("rate_limited")
		apierr.Abort(c, apierr.New(apierr.TooManyRequests, "Too many login attempts, try again later"))
		return
	}

	ctx := c.Request.Context()
	var account models.Account
	var code string
	err := database.Transaction(ctx, h.db, func(ctx context.Context, tx *gorm.DB) error {
		name, _, _ := strings.Cut(email, "@")
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.Account{Name: name, Email: email}).Error; err != nil {
			return err
		}
		if err := tx.Where("email = ?", email).First(&account).Error; err != nil {
			return err
		}

		var err error
		if code, err = newLoginCode(); err != nil {
			return err
		}
		return tx.Create(&models.AccountLoginCode{Code: code, AccountPK: account.PK}).Error
	})
	if err != nil {
		h.opts.Metrics.IncLoginCode("failed")
		apierr.Abort(c, err)
		return
	}

	if err := h.opts.Mailer.SendLoginCode(ctx, email, code); err != nil {
		h.opts.Metrics.IncLoginCode("failed")
		apierr.Abort(c, fmt.Errorf("send login code: %w", err))
		return
	}
	h.opts.Metrics.IncLoginCode("sent")

	c.JSON(http.StatusOK, gin.H{"account_id": account.ID})
}

// VerifyLoginCode exchanges a login code for a session
// @Summary Verify a login code
// @Tags auth
// @Accept json
// @Produce json
// @Param request body VerifyLoginCodeRequest true "Login code"
// @Success 200 {object} map[string]bool
// @Failure 404 {object} map[string]string "Invalid code"
// @Router /auth/login/verify [post]
func (h *Handler) VerifyLoginCode(c *gin.Context) {
	var req VerifyLoginCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	if h.opts.Limiter != nil && !h.opts.Limiter.Allow("verify:"+c.ClientIP()) {
		apierr.Abort(c, apierr.New(apierr.TooManyRequests, "Too many login attempts, try again later"))
		return
	}

	ctx := c.Request.Context()
	var session *models.Session
	err := database.Transaction(ctx, h.db, func(ctx context.Context, tx *gorm.DB) error {
		var code models.AccountLoginCode
		if err := tx.Where("code = ?", req.Code).First(&code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.Wrap(apierr.NotFound, "Invalid code", ErrInvalidCode)
			}
			return err
		}
		if err := tx.Delete(&models.AccountLoginCode{}, "code = ?", code.Code).Error; err != nil {
			return err
		}
		if h.sessions.now().Sub(code.CreatedAt) > LoginCodeTTL {
			return apierr.Wrap(apierr.NotFound, "Invalid code", ErrInvalidCode)
		}

		var account models.Account
		if err := tx.Where("pk = ?", code.AccountPK).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.NotFound, "Account not found")
			}
			return err
		}

		if err := ensureDefaultOrganisation(tx, &account); err != nil {
			return err
		}

		var err error
		session, err = h.sessions.Create(ctx, account.PK, c.Request.UserAgent(), "")
		return err
	})
	if err != nil {
		// An expired code is still consumed.
		if apierr.Is(err, apierr.NotFound) {
			h.db.WithContext(ctx).Delete(&models.AccountLoginCode{}, "code = ?", req.Code)
		}
		apierr.Abort(c, err)
		return
	}

	h.sessions.SetCookie(c, session)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ensureDefaultOrganisation gives an account its own organisation if it does not belong to any.
func ensureDefaultOrganisation(tx *gorm.DB, account *models.Account) error {
	var memberships int64
	if err := tx.Model(&models.OrganisationMember{}).Where("account_pk = ?", account.PK).Count(&memberships).Error; err != nil {
		return err
	}
	if memberships > 0 {
		return nil
	}

	local, _, _ := strings.Cut(account.Email, "@")
	slug, err := RandomSlug(local)
	if err != nil {
		return err
	}
	org := models.Organisation{Name: slug, Slug: slug, OwnerPK: account.PK, BillingEmail: account.Email}
	if err := tx.Create(&org).Error; err != nil {
		return err
	}
	return tx.Create(&models.OrganisationMember{OrgPK: org.PK, AccountPK: account.PK}).Error
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// RandomSlug turns name into a slug and appends a random suffix so it is unique.
func RandomSlug(name string) (string, error) {
	base := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(base) > 40 {
		base = strings.Trim(base[:40], "-")
	}
	suffix, err := randomToken(3)
	if err != nil {
		return "", err
	}
	if base == "" {
		return suffix, nil
	}
	return base + "-" + suffix, nil
}

// Me returns the signed in account with its organisations and tenants
// @Summary Get current account
// @Tags auth
// @Produce json
// @Success 200 {object} MeResponse
// @Router /auth/me [get]
func (h *Handler) Me(c *gin.Context) {
	account, _ := GetAccount(c)
	resp, err := h.describe(c, account)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) describe(c *gin.Context, account *models.Account) (*MeResponse, error) {
	ctx := c.Request.Context()
	scope := GetScope(c)

	orgs, err := scope.Organisations(ctx)
	if err != nil {
		return nil, err
	}
	tenants, err := scope.Tenants(ctx)
	if err != nil {
		return nil, err
	}

	ownerPKs := make([]uint, 0, len(orgs))
	for _, o := range orgs {
		ownerPKs = append(ownerPKs, o.OwnerPK)
	}
	ownerIDs := make(map[uint]string)
	if len(ownerPKs) > 0 {
		var owners []models.Account
		if err := h.db.WithContext(ctx).Select("pk", "id").Where("pk IN ?", ownerPKs).Find(&owners).Error; err != nil {
			return nil, err
		}
		for _, o := range owners {
			ownerIDs[o.PK] = o.ID
		}
	}

	resp := &MeResponse{
		ID:         account.ID,
		Name:       account.Name,
		Email:      account.Email,
		Orgs:       make([]OrgSummary, len(orgs)),
		Tenants:    make([]TenantSummary, len(tenants)),
		Features:   account.Features,
		SuperAdmin: IsSuperAdmin(account.Email, h.opts.SuperadminDomains),
	}
	orgSlugs := make(map[uint]string, len(orgs))
	for i, o := range orgs {
		resp.Orgs[i] = OrgSummary{ID: o.ID, Name: o.Name, Slug: o.Slug, OwnerID: ownerIDs[o.OwnerPK]}
		orgSlugs[o.PK] = o.Slug
	}
	for i, t := range tenants {
		resp.Tenants[i] = TenantSummary{ID: t.ID, Name: t.Name, Slug: t.Slug, OrgSlug: orgSlugs[t.OrgPK]}
	}
	return resp, nil
}

// Update changes the signed in account's details
// @Summary Update current account
// @Tags auth
// @Accept json
// @Produce json
// @Param request body UpdateAccountRequest true "Account details"
// @Success 200 {object} MeResponse
// @Router /auth/me [patch]
func (h *Handler) Update(c *gin.Context) {
	account, _ := GetAccount(c)

	var req UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if err := h.db.WithContext(c.Request.Context()).Model(&models.Account{}).
			Where("pk = ?", account.PK).Update("name", name).Error; err != nil {
			apierr.Abort(c, err)
			return
		}
		account.Name = name
	}

	resp, err := h.describe(c, account)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logout invalidates the current session
// @Summary Log out
// @Tags auth
// @Success 204
// @Router /auth/logout [post]
func (h *Handler) Logout(c *gin.Context) {
	session, _ := GetSession(c)
	if err := h.sessions.Invalidate(c.Request.Context(), session.ID); err != nil {
		apierr.Abort(c, err)
		return
	}
	h.sessions.ClearCookie(c)
	c.Status(http.StatusNoContent)
}
