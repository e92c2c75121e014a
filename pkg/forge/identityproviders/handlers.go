// Package identityproviders links tenants to Entra ID directories and manages
// the domains and users synced from them.
package identityproviders

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/dns"
	"github.com/mattrax/forge/pkg/forge/graph"
	"github.com/mattrax/forge/pkg/forge/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Options configures the identity provider handler.
type Options struct {
	// SkipSubscriptions disables Graph change subscriptions, which cannot
	// reach a server on localhost.
	SkipSubscriptions bool
	Logger            *zap.Logger
}

// Handler handles identity provider requests
type Handler struct {
	db         *gorm.DB
	syncer     *Syncer
	linker     graph.Linker
	states     *auth.StateSigner
	sealer     *auth.Sealer
	enrollment *dns.EnrollmentChecker
	opts       Options
}

// NewHandler creates a new identity provider handler
func NewHandler(db *gorm.DB, syncer *Syncer, linker graph.Linker, states *auth.StateSigner, sealer *auth.Sealer, enrollment *dns.EnrollmentChecker, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		db:         db,
		syncer:     syncer,
		linker:     linker,
		states:     states,
		sealer:     sealer,
		enrollment: enrollment,
		opts:       opts,
	}
}

// ConnectDomainRequest represents the request to connect a domain
type ConnectDomainRequest struct {
	Domain string `json:"domain" binding:"required,fqdn,max=255"`
}

// LinkStateResponse carries the state for the Microsoft consent flow
type LinkStateResponse struct {
	State      string `json:"state"`
	ConsentURL string `json:"consent_url"`
}

// ConnectedDomain is a domain connected to the tenant
type ConnectedDomain struct {
	Domain                        string    `json:"domain"`
	EnterpriseEnrollmentAvailable bool      `json:"enterprise_enrollment_available"`
	UserCount                     int64     `json:"user_count"`
	CreatedAt                     time.Time `json:"created_at"`
}

// DomainsResponse lists the remote verified domains and the connected ones
type DomainsResponse struct {
	RemoteDomains    []string          `json:"remote_domains"`
	ConnectedDomains []ConnectedDomain `json:"connected_domains"`
}

// SyncResponse reports the outcome of a user sync
type SyncResponse struct {
	Users      int        `json:"users"`
	LastSynced *time.Time `json:"last_synced"`
}

// RegisterTenantRoutes registers routes on a group that resolves :tenantSlug
func (h *Handler) RegisterTenantRoutes(rg *gin.RouterGroup) {
	idp := rg.Group("/identity-provider")
	idp.GET("", h.Get)
	idp.DELETE("", h.Remove)
	idp.POST("/link-state", h.LinkState)
	idp.GET("/domains", h.Domains)
	idp.POST("/domains", h.ConnectDomain)
	idp.POST("/domains/refresh", h.RefreshDomains)
	idp.DELETE("/domains/:domain", h.RemoveDomain)
	idp.POST("/sync", h.Sync)
}

// RegisterAuthedRoutes registers the consent callback, which needs the browser session
func (h *Handler) RegisterAuthedRoutes(rg *gin.RouterGroup) {
	rg.GET("/ms/link", h.LinkCallback)
}

// RegisterPublicRoutes registers routes that need no session
func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.GET("/ms/popup", h.Popup)
}

// Get returns the tenant's identity provider, or null
// @Summary Get identity provider
// @Tags identity-provider
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {object} models.IdentityProvider
// @Router /t/{tenantSlug}/identity-provider [get]
func (h *Handler) Get(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	provider, err := h.syncer.Provider(c.Request.Context(), tenant.PK)
	if errors.Is(err, ErrNoProvider) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, provider)
}

// LinkState signs the state for linking a directory to the tenant
// @Summary Start linking Entra ID
// @Tags identity-provider
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {object} LinkStateResponse
// @Router /t/{tenantSlug}/identity-provider/link-state [post]
func (h *Handler) LinkState(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	state, err := h.states.Sign(tenant.PK, tenant.ID)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, LinkStateResponse{State: state, ConsentURL: h.linker.AuthCodeURL(state)})
}

// Remove unlinks the identity provider and deletes the users synced from it.
// Every domain must be disconnected first.
// @Summary Remove identity provider
// @Tags identity-provider
// @Param tenantSlug path string true "Tenant slug"
// @Success 204
// @Failure 412 {object} map[string]string
// @Router /t/{tenantSlug}/identity-provider [delete]
func (h *Handler) Remove(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)
	ctx := c.Request.Context()

	provider, err := h.syncer.Provider(ctx, tenant.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	var domains int64
	if err := h.db.WithContext(ctx).Model(&models.Domain{}).
		Where("identity_provider_pk = ?", provider.PK).
		Count(&domains).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	if domains > 0 {
		apierr.Abort(c, apierr.New(apierr.PreconditionFailed, "All domains must be unlinked before removing the identity provider"))
		return
	}

	if err := h.syncer.RemoveSubscriptions(ctx, provider.RemoteID); err != nil {
		h.opts.Logger.Warn("failed to remove graph subscriptions",
			zap.String("remote_id", provider.RemoteID),
			zap.Error(err))
	}

	err = database.Transaction(ctx, h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Where("identity_provider_pk = ?", provider.PK).Delete(&models.Domain{}).Error; err != nil {
			return err
		}
		if err := deleteUsers(tx, "provider_pk = ?", provider.PK); err != nil {
			return err
		}
		if err := tx.Delete(&models.IdentityProvider{}, provider.PK).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionRemoveIdP, map[string]any{"variant": provider.Provider})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Domains lists the directory's verified domains alongside the connected ones
// @Summary List domains
// @Tags identity-provider
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {object} DomainsResponse
// @Router /t/{tenantSlug}/identity-provider/domains [get]
func (h *Handler) Domains(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	resp := DomainsResponse{RemoteDomains: []string{}, ConnectedDomains: []ConnectedDomain{}}
	provider, err := h.syncer.Provider(c.Request.Context(), tenant.PK)
	if errors.Is(err, ErrNoProvider) {
		c.JSON(http.StatusOK, resp)
		return
	}
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		remote, err := h.syncer.graph.VerifiedDomains(ctx, provider.RemoteID)
		if err != nil {
			return fmt.Errorf("list remote domains: %w", err)
		}
		if remote != nil {
			resp.RemoteDomains = remote
		}
		return nil
	})
	g.Go(func() error {
		connected, err := h.connectedDomains(ctx, provider)
		if err != nil {
			return err
		}
		resp.ConnectedDomains = connected
		return nil
	})
	if err := g.Wait(); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) connectedDomains(ctx context.Context, provider *models.IdentityProvider) ([]ConnectedDomain, error) {
	db := h.db.WithContext(ctx)

	var domains []models.Domain
	if err := db.Where("identity_provider_pk = ?", provider.PK).Order("domain").Find(&domains).Error; err != nil {
		return nil, err
	}

	out := make([]ConnectedDomain, len(domains))
	for i, d := range domains {
		out[i] = ConnectedDomain{
			Domain:                        d.Domain,
			EnterpriseEnrollmentAvailable: d.EnterpriseEnrollmentAvailable,
			CreatedAt:                     d.CreatedAt,
		}
		if err := db.Model(&models.User{}).
			Where("provider_pk = ? AND upn LIKE ?", provider.PK, "%@"+d.Domain).
			Count(&out[i].UserCount).Error; err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ConnectDomain connects one of the directory's verified domains and imports its users
// @Summary Connect domain
// @Tags identity-provider
// @Accept json
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Param request body ConnectDomainRequest true "Domain"
// @Success 201 {object} ConnectedDomain
// @Failure 412 {object} map[string]string "Domain not verified in the directory"
// @Router /t/{tenantSlug}/identity-provider/domains [post]
func (h *Handler) ConnectDomain(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	var req ConnectDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	domain := strings.ToLower(req.Domain)

	provider, err := h.syncer.Provider(c.Request.Context(), tenant.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	var (
		enrollment bool
		remote     []string
	)
	g, gctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		enrollment = h.enrollment.Available(gctx, domain)
		return nil
	})
	g.Go(func() error {
		domains, err := h.syncer.graph.VerifiedDomains(gctx, provider.RemoteID)
		remote = domains
		return err
	})
	if err := g.Wait(); err != nil {
		apierr.Abort(c, err)
		return
	}
	if !slices.ContainsFunc(remote, func(d string) bool { return strings.EqualFold(d, domain) }) {
		apierr.Abort(c, apierr.New(apierr.PreconditionFailed, "Domain not found"))
		return
	}

	row := models.Domain{
		Domain:                        domain,
		TenantPK:                      tenant.PK,
		IdentityProviderPK:            provider.PK,
		EnterpriseEnrollmentAvailable: enrollment,
	}
	err = database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Domain{}).Where("domain = ?", domain).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return apierr.New(apierr.Conflict, "Domain is already connected")
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionConnectDomain, map[string]any{"domain": domain})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	resp := ConnectedDomain{
		Domain:                        row.Domain,
		EnterpriseEnrollmentAvailable: row.EnterpriseEnrollmentAvailable,
		CreatedAt:                     row.CreatedAt,
	}
	n, err := h.syncer.SyncDomains(c.Request.Context(), provider, []string{domain})
	if err != nil {
		// The domain stays connected; the next sync picks its users up.
		h.opts.Logger.Warn("initial domain sync failed", zap.String("domain", domain), zap.Error(err))
	}
	resp.UserCount = int64(n)

	c.JSON(http.StatusCreated, resp)
}

// RefreshDomains re-checks the enrollment DNS record of every connected domain
// @Summary Refresh domains
// @Tags identity-provider
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {array} ConnectedDomain
// @Router /t/{tenantSlug}/identity-provider/domains/refresh [post]
func (h *Handler) RefreshDomains(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)
	ctx := c.Request.Context()

	provider, err := h.syncer.Provider(ctx, tenant.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	names, err := h.syncer.ConnectedDomains(ctx, provider.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	available := make([]bool, len(names))
	var g errgroup.Group
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			available[i] = h.enrollment.Available(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range names {
		if err := h.db.WithContext(ctx).Model(&models.Domain{}).
			Where("domain = ? AND tenant_pk = ?", name, tenant.PK).
			Update("enterprise_enrollment_available", available[i]).Error; err != nil {
			apierr.Abort(c, err)
			return
		}
	}

	connected, err := h.connectedDomains(ctx, provider)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, connected)
}

// RemoveDomain disconnects a domain and deletes the users synced through it
// @Summary Remove domain
// @Tags identity-provider
// @Param tenantSlug path string true "Tenant slug"
// @Param domain path string true "Domain"
// @Success 204
// @Router /t/{tenantSlug}/identity-provider/domains/{domain} [delete]
func (h *Handler) RemoveDomain(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)
	domain := strings.ToLower(c.Param("domain"))

	provider, err := h.syncer.Provider(c.Request.Context(), tenant.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	err = database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		res := tx.Where("identity_provider_pk = ? AND domain = ?", provider.PK, domain).Delete(&models.Domain{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apierr.New(apierr.NotFound, "Domain not found")
		}
		if err := deleteUsers(tx, "provider_pk = ? AND upn LIKE ?", provider.PK, "%@"+domain); err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionRemoveDomain, map[string]any{"domain": domain})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Sync imports the users of every connected domain
// @Summary Sync users
// @Tags identity-provider
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {object} SyncResponse
// @Router /t/{tenantSlug}/identity-provider/sync [post]
func (h *Handler) Sync(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	provider, err := h.syncer.Provider(c.Request.Context(), tenant.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	n, err := h.syncer.SyncProvider(c.Request.Context(), provider)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Users: n, LastSynced: provider.LastSynced})
}

var popupPage = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<script>
if (!window.opener) {
	document.write("<p>Error during admin consent. Please try again!</p><br /><button onClick='window.close()'>Close</button>");
} else {
	window.location = {{.}};
}
</script>
`))

const linkedPage = `<!DOCTYPE html>
<script>
window.opener.postMessage("authenticated");
</script>
`

// Popup sends the consent popup window on to Microsoft. Popup blockers can
// open the window without an opener, in which case the user is asked to retry.
// @Summary Consent popup
// @Tags identity-provider
// @Produce html
// @Param state query string true "Link state"
// @Success 200
// @Router /ms/popup [get]
func (h *Handler) Popup(c *gin.Context) {
	state := c.Query("state")
	if state == "" {
		c.String(http.StatusBadRequest, "Missing state")
		return
	}
	if _, err := h.states.Verify(state); err != nil {
		c.String(http.StatusBadRequest, "Invalid state")
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := popupPage.Execute(c.Writer, h.linker.AuthCodeURL(state)); err != nil {
		_ = c.Error(err)
	}
}

// LinkCallback completes the consent flow and links the directory to the
// tenant named in the state.
// @Summary Microsoft consent callback
// @Tags identity-provider
// @Produce html
// @Param code query string false "Authorization code"
// @Param state query string false "Link state"
// @Param error query string false "Error from Microsoft"
// @Success 200
// @Router /ms/link [get]
func (h *Handler) LinkCallback(c *gin.Context) {
	if msErr := c.Query("error"); msErr != "" {
		c.String(http.StatusBadRequest, "Error from Microsoft: %s", msErr)
		return
	}
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		c.String(http.StatusBadRequest, "Missing code or state")
		return
	}
	claims, err := h.states.Verify(state)
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid state")
		return
	}

	tenant, err := auth.GetScope(c).EnsureTenantMember(c.Request.Context(), claims.TenantPK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	auth.SetTenant(c, tenant)
	ctx := c.Request.Context()

	result, err := h.linker.Exchange(ctx, code)
	if err != nil {
		apierr.Abort(c, apierr.Wrap(apierr.Internal, "Failed to link with Microsoft", err))
		return
	}
	sealed, err := h.sealer.Seal(result.RefreshToken)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	err = database.Transaction(ctx, h.db, func(ctx context.Context, tx *gorm.DB) error {
		return h.link(ctx, tx, tenant, result, sealed)
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	if h.opts.SkipSubscriptions {
		h.opts.Logger.Info("skipping graph subscription on localhost", zap.String("remote_id", result.TenantID))
	} else if _, err := h.syncer.Subscribe(ctx, result.TenantID); err != nil {
		h.opts.Logger.Error("failed to create graph subscription",
			zap.String("remote_id", result.TenantID),
			zap.Error(err))
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(linkedPage))
}

// link stores the provider for the tenant. Relinking the same directory
// refreshes the linker's credentials; a directory can only back one tenant
// and a tenant only one directory.
func (h *Handler) link(ctx context.Context, tx *gorm.DB, tenant *models.Tenant, result *graph.LinkResult, sealed string) error {
	var existing models.IdentityProvider
	err := tx.Where("provider = ? AND remote_id = ?", models.ProviderEntraID, result.TenantID).First(&existing).Error
	switch {
	case err == nil:
		if existing.TenantPK != tenant.PK {
			return apierr.New(apierr.Conflict, "Directory is already linked to another tenant")
		}
		if err := tx.Model(&existing).Updates(map[string]any{
			"linker_upn":           result.UserPrincipalName,
			"linker_refresh_token": sealed,
		}).Error; err != nil {
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		var other int64
		if err := tx.Model(&models.IdentityProvider{}).Where("tenant_pk = ?", tenant.PK).Count(&other).Error; err != nil {
			return err
		}
		if other > 0 {
			return apierr.New(apierr.Conflict, "Tenant already has an identity provider")
		}
		upn := result.UserPrincipalName
		if err := tx.Create(&models.IdentityProvider{
			Provider:           models.ProviderEntraID,
			TenantPK:           tenant.PK,
			RemoteID:           result.TenantID,
			LinkerUPN:          &upn,
			LinkerRefreshToken: &sealed,
		}).Error; err != nil {
			return err
		}
	default:
		return err
	}

	return audit.Record(ctx, tx, audit.ActionAddIdP, map[string]any{
		"variant":  models.ProviderEntraID,
		"remoteId": result.TenantID,
	})
}
