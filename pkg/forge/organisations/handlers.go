package organisations

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/authz"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/mail"
	"github.com/mattrax/forge/pkg/forge/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,98}[a-z0-9]$`)

// Handler handles organisation, administrator and invite requests
type Handler struct {
	db       *gorm.DB
	sessions *auth.Sessions
	authz    *authz.Authorizer
	mailer   mail.Mailer
	baseURL  string
	logger   *zap.Logger
}

// NewHandler creates a new organisations handler
func NewHandler(db *gorm.DB, sessions *auth.Sessions, az *authz.Authorizer, mailer mail.Mailer, baseURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{db: db, sessions: sessions, authz: az, mailer: mailer, baseURL: strings.TrimSuffix(baseURL, "/"), logger: logger}
}

// CreateOrgRequest represents the request to create an organisation
type CreateOrgRequest struct {
	Name string `json:"name" binding:"required,notblank,max=100"`
}

// UpdateOrgRequest represents the request to update an organisation
type UpdateOrgRequest struct {
	Name         *string `json:"name" binding:"omitnil,notblank,max=100"`
	Slug         *string `json:"slug"`
	BillingEmail *string `json:"billing_email" binding:"omitempty,email"`
}

// InviteRequest names the email address of an invite
type InviteRequest struct {
	Email string `json:"email" binding:"required,email,max=320"`
}

// OrgResponse is an organisation as seen by one of its administrators
type OrgResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	BillingEmail string `json:"billing_email"`
	IsOwner      bool   `json:"is_owner"`
}

// AdminResponse is an administrator of an organisation
type AdminResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	IsOwner bool   `json:"is_owner"`
}

// RegisterRoutes registers /orgs on a group behind the session middleware
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
}

// RegisterOrgRoutes registers routes on a group that resolves :orgSlug
func (h *Handler) RegisterOrgRoutes(rg *gin.RouterGroup) {
	rg.GET("", auth.RequireOrgPermission(h.authz, authz.ObjectOrganisation, authz.ActionRead), h.Get)
	rg.PATCH("", auth.RequireOrgPermission(h.authz, authz.ObjectOrganisation, authz.ActionWrite), h.Update)
	rg.GET("/admins", auth.RequireOrgPermission(h.authz, authz.ObjectAdmins, authz.ActionRead), h.ListAdmins)
	rg.DELETE("/admins/:accountId", auth.RequireOrgPermission(h.authz, authz.ObjectAdmins, authz.ActionDelete), h.RemoveAdmin)
	rg.GET("/invites", auth.RequireOrgPermission(h.authz, authz.ObjectInvites, authz.ActionRead), h.ListInvites)
	rg.POST("/invites", auth.RequireOrgPermission(h.authz, authz.ObjectInvites, authz.ActionWrite), h.SendInvite)
	rg.DELETE("/invites", auth.RequireOrgPermission(h.authz, authz.ObjectInvites, authz.ActionDelete), h.RemoveInvite)
}

// RegisterPublicRoutes registers routes that do not need a session
func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.POST("/invites/:code/accept", h.AcceptInvite)
}

// List returns the organisations the account administers
// @Summary List organisations
// @Tags organisations
// @Produce json
// @Success 200 {array} OrgResponse
// @Router /orgs [get]
func (h *Handler) List(c *gin.Context) {
	account, _ := auth.GetAccount(c)
	orgs, err := auth.GetScope(c).Organisations(c.Request.Context())
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	resp := make([]OrgResponse, len(orgs))
	for i := range orgs {
		resp[i] = toResponse(&orgs[i], account)
	}
	c.JSON(http.StatusOK, resp)
}

// Create creates an organisation owned by the signed in account
// @Summary Create organisation
// @Tags organisations
// @Accept json
// @Produce json
// @Param request body CreateOrgRequest true "Organisation"
// @Success 201 {object} OrgResponse
// @Router /orgs [post]
func (h *Handler) Create(c *gin.Context) {
	account, _ := auth.GetAccount(c)

	var req CreateOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	slug, err := auth.RandomSlug(req.Name)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	org := models.Organisation{
		Name:         strings.TrimSpace(req.Name),
		Slug:         slug,
		BillingEmail: account.Email,
		OwnerPK:      account.PK,
	}
	err = database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&org).Error; err != nil {
			return err
		}
		return tx.Create(&models.OrganisationMember{OrgPK: org.PK, AccountPK: account.PK}).Error
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	auth.GetScope(c).Reset()

	c.JSON(http.StatusCreated, toResponse(&org, account))
}

// Get returns the organisation
// @Summary Get organisation
// @Tags organisations
// @Produce json
// @Param orgSlug path string true "Organisation slug"
// @Success 200 {object} OrgResponse
// @Router /o/{orgSlug} [get]
func (h *Handler) Get(c *gin.Context) {
	org, _ := auth.GetOrg(c)
	account, _ := auth.GetAccount(c)
	c.JSON(http.StatusOK, toResponse(org, account))
}

// Update changes the organisation's name, slug or billing email
// @Summary Update organisation
// @Tags organisations
// @Accept json
// @Produce json
// @Param orgSlug path string true "Organisation slug"
// @Param request body UpdateOrgRequest true "Fields to update"
// @Success 200 {object} OrgResponse
// @Failure 409 {object} map[string]string "Slug taken"
// @Router /o/{orgSlug} [patch]
func (h *Handler) Update(c *gin.Context) {
	org, _ := auth.GetOrg(c)
	account, _ := auth.GetAccount(c)

	var req UpdateOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		org.Name = strings.TrimSpace(*req.Name)
		updates["name"] = org.Name
	}
	if req.BillingEmail != nil {
		org.BillingEmail = *req.BillingEmail
		updates["billing_email"] = org.BillingEmail
	}
	if req.Slug != nil && *req.Slug != org.Slug {
		slug := strings.ToLower(*req.Slug)
		if !slugPattern.MatchString(slug) {
			apierr.Abort(c, apierr.New(apierr.BadRequest, "Slug must be 3-100 lowercase letters, digits or dashes"))
			return
		}
		var taken int64
		if err := h.db.WithContext(c.Request.Context()).Model(&models.Organisation{}).Where("slug = ?", slug).Count(&taken).Error; err != nil {
			apierr.Abort(c, err)
			return
		}
		if taken > 0 {
			apierr.Abort(c, apierr.New(apierr.Conflict, "Slug is already in use"))
			return
		}
		org.Slug = slug
		updates["slug"] = slug
	}

	if len(updates) > 0 {
		if err := h.db.WithContext(c.Request.Context()).Model(&models.Organisation{}).
			Where("pk = ?", org.PK).Updates(updates).Error; err != nil {
			apierr.Abort(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, toResponse(org, account))
}

// ListAdmins returns the organisation's administrators
// @Summary List administrators
// @Tags organisations
// @Produce json
// @Param orgSlug path string true "Organisation slug"
// @Success 200 {array} AdminResponse
// @Router /o/{orgSlug}/admins [get]
func (h *Handler) ListAdmins(c *gin.Context) {
	org, _ := auth.GetOrg(c)

	var accounts []models.Account
	if err := h.db.WithContext(c.Request.Context()).
		Joins("JOIN organisation_members ON organisation_members.account_pk = accounts.pk").
		Where("organisation_members.org_pk = ?", org.PK).
		Order("accounts.name").
		Find(&accounts).Error; err != nil {
		apierr.Abort(c, err)
		return
	}

	resp := make([]AdminResponse, len(accounts))
	for i, a := range accounts {
		resp[i] = AdminResponse{ID: a.ID, Name: a.Name, Email: a.Email, IsOwner: a.PK == org.OwnerPK}
	}
	c.JSON(http.StatusOK, resp)
}

// RemoveAdmin removes an administrator. The owner cannot be removed.
// @Summary Remove administrator
// @Tags organisations
// @Param orgSlug path string true "Organisation slug"
// @Param accountId path string true "Account ID"
// @Success 204
// @Failure 404 {object} map[string]string
// @Failure 412 {object} map[string]string "Owner"
// @Router /o/{orgSlug}/admins/{accountId} [delete]
func (h *Handler) RemoveAdmin(c *gin.Context) {
	org, _ := auth.GetOrg(c)
	ctx := c.Request.Context()

	var account models.Account
	if err := h.db.WithContext(ctx).Where("id = ?", c.Param("accountId")).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			apierr.Abort(c, apierr.New(apierr.NotFound, "Account not found"))
			return
		}
		apierr.Abort(c, err)
		return
	}
	if account.PK == org.OwnerPK {
		apierr.Abort(c, apierr.New(apierr.PreconditionFailed, "Cannot remove tenant owner"))
		return
	}

	res := h.db.WithContext(ctx).Where("org_pk = ? AND account_pk = ?", org.PK, account.PK).Delete(&models.OrganisationMember{})
	if res.Error != nil {
		apierr.Abort(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		apierr.Abort(c, apierr.New(apierr.NotFound, "Account not found"))
		return
	}
	c.Status(http.StatusNoContent)
}

// ListInvites returns pending invites
// @Summary List invites
// @Tags organisations
// @Produce json
// @Param orgSlug path string true "Organisation slug"
// @Success 200 {array} models.OrganisationInvite
// @Router /o/{orgSlug}/invites [get]
func (h *Handler) ListInvites(c *gin.Context) {
	org, _ := auth.GetOrg(c)

	invites := []models.OrganisationInvite{}
	if err := h.db.WithContext(c.Request.Context()).
		Where("org_pk = ?", org.PK).
		Order("created_at DESC").
		Find(&invites).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, invites)
}

// SendInvite invites an email address to administer the organisation.
// Inviting the same address again issues a new code.
// @Summary Send invite
// @Tags organisations
// @Accept json
// @Param orgSlug path string true "Organisation slug"
// @Param request body InviteRequest true "Invitee"
// @Success 201
// @Failure 409 {object} map[string]string "Already a member"
// @Router /o/{orgSlug}/invites [post]
func (h *Handler) SendInvite(c *gin.Context) {
	org, _ := auth.GetOrg(c)
	account, _ := auth.GetAccount(c)

	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	invite := models.OrganisationInvite{Code: uuid.NewString(), OrgPK: org.PK, Email: email}
	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		var members int64
		if err := tx.Model(&models.OrganisationMember{}).
			Joins("JOIN accounts ON accounts.pk = organisation_members.account_pk").
			Where("organisation_members.org_pk = ? AND accounts.email = ?", org.PK, email).
			Count(&members).Error; err != nil {
			return err
		}
		if members > 0 {
			return apierr.New(apierr.Conflict, "Account is already a member")
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_pk"}, {Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"code", "created_at"}),
		}).Create(&invite).Error
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	link := h.baseURL + "/invite/organisation/" + invite.Code
	if err := h.mailer.SendInvite(c.Request.Context(), email, account.Name, org.Name, link); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

// RemoveInvite revokes the invite for an email address
// @Summary Remove invite
// @Tags organisations
// @Accept json
// @Param orgSlug path string true "Organisation slug"
// @Param request body InviteRequest true "Invitee"
// @Success 204
// @Router /o/{orgSlug}/invites [delete]
func (h *Handler) RemoveInvite(c *gin.Context) {
	org, _ := auth.GetOrg(c)

	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	if err := h.db.WithContext(c.Request.Context()).
		Where("org_pk = ? AND email = ?", org.PK, strings.ToLower(strings.TrimSpace(req.Email))).
		Delete(&models.OrganisationInvite{}).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AcceptInvite joins the invited account to the organisation and signs it in
// @Summary Accept invite
// @Tags organisations
// @Produce json
// @Param code path string true "Invite code"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /invites/{code}/accept [post]
func (h *Handler) AcceptInvite(c *gin.Context) {
	var org models.Organisation
	var session *models.Session

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		var invite models.OrganisationInvite
		if err := tx.Where("code = ?", c.Param("code")).First(&invite).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.NotFound, "Invite not found")
			}
			return err
		}
		if err := tx.Where("pk = ?", invite.OrgPK).First(&org).Error; err != nil {
			return err
		}

		name, _, _ := strings.Cut(invite.Email, "@")
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.Account{Name: name, Email: invite.Email}).Error; err != nil {
			return err
		}
		var account models.Account
		if err := tx.Where("email = ?", invite.Email).First(&account).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.OrganisationMember{OrgPK: org.PK, AccountPK: account.PK}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.OrganisationInvite{}, "code = ?", invite.Code).Error; err != nil {
			return err
		}

		var err error
		session, err = h.sessions.Create(ctx, account.PK, c.Request.UserAgent(), "")
		return err
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	h.logger.Info("invite accepted", zap.String("organisation", org.Slug))
	h.sessions.SetCookie(c, session)
	c.JSON(http.StatusOK, gin.H{"slug": org.Slug, "name": org.Name})
}

func toResponse(org *models.Organisation, account *models.Account) OrgResponse {
	return OrgResponse{
		ID:           org.ID,
		Name:         org.Name,
		Slug:         org.Slug,
		BillingEmail: org.BillingEmail,
		IsOwner:      account != nil && org.OwnerPK == account.PK,
	}
}
