// Package webhooks receives Microsoft Graph change and lifecycle notifications.
package webhooks

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/identityproviders"
	"github.com/mattrax/forge/pkg/forge/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const odataTypeUser = "#Microsoft.Graph.User"

// Lifecycle events sent by Graph.
const (
	LifecycleReauthorizationRequired = "reauthorizationRequired"
	LifecycleSubscriptionRemoved     = "subscriptionRemoved"
	LifecycleMissed                  = "missed"
)

// ResourceData identifies the changed resource.
type ResourceData struct {
	ODataType string `json:"@odata.type"`
	ODataID   string `json:"@odata.id"`
	ID        string `json:"id"`
}

// ChangeNotification is one entry of a Graph change notification collection.
type ChangeNotification struct {
	SubscriptionID string       `json:"subscriptionId"`
	TenantID       string       `json:"tenantId"`
	ClientState    string       `json:"clientState"`
	ChangeType     string       `json:"changeType"`
	Resource       string       `json:"resource"`
	ResourceData   ResourceData `json:"resourceData"`
}

// LifecycleNotification is one entry of a Graph lifecycle notification collection.
type LifecycleNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	TenantID       string `json:"tenantId"`
	ClientState    string `json:"clientState"`
	LifecycleEvent string `json:"lifecycleEvent"`
}

type changeCollection struct {
	Value []ChangeNotification `json:"value" binding:"required"`
}

type lifecycleCollection struct {
	Value []LifecycleNotification `json:"value" binding:"required"`
}

// Handler handles Microsoft Graph webhooks
type Handler struct {
	syncer *identityproviders.Syncer
	logger *zap.Logger
}

// NewHandler creates a new webhook handler
func NewHandler(syncer *identityproviders.Syncer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{syncer: syncer, logger: logger}
}

// RegisterRoutes registers the webhook routes. Graph calls them without a session.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	graph := rg.Group("/webhook/microsoft-graph", validationEcho)
	graph.POST("", h.Changes)
	graph.POST("/lifecycle", h.Lifecycle)
}

// validationEcho answers Graph's endpoint validation handshake, which sends
// a validationToken that must be returned verbatim as text.
func validationEcho(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, token)
		c.Abort()
		return
	}
	c.Next()
}

// Changes applies user change notifications
// @Summary Graph change notifications
// @Tags webhooks
// @Accept json
// @Param validationToken query string false "Subscription validation token"
// @Success 202
// @Router /webhook/microsoft-graph [post]
func (h *Handler) Changes(c *gin.Context) {
	var body changeCollection
	if err := c.ShouldBindJSON(&body); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	ctx := c.Request.Context()
	for _, n := range body.Value {
		if err := h.applyChange(ctx, n); err != nil {
			h.logger.Error("failed to apply graph change notification",
				zap.String("tenant_id", n.TenantID),
				zap.String("change_type", n.ChangeType),
				zap.String("resource_id", n.ResourceData.ID),
				zap.Error(err))
		}
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) applyChange(ctx context.Context, n ChangeNotification) error {
	if !h.trusted(n.ClientState) {
		h.logger.Warn("client state mismatch, ignoring notification", zap.String("tenant_id", n.TenantID))
		return nil
	}

	provider, err := h.provider(ctx, n.TenantID)
	if err != nil || provider == nil {
		return err
	}

	switch n.ResourceData.ODataType {
	case odataTypeUser:
		return h.syncer.ApplyUserChange(ctx, provider, n.ResourceData.ID, n.ChangeType)
	default:
		h.logger.Warn("unhandled graph resource type", zap.String("type", n.ResourceData.ODataType))
		return nil
	}
}

// Lifecycle keeps subscriptions alive
// @Summary Graph lifecycle notifications
// @Tags webhooks
// @Accept json
// @Param validationToken query string false "Subscription validation token"
// @Success 202
// @Router /webhook/microsoft-graph/lifecycle [post]
func (h *Handler) Lifecycle(c *gin.Context) {
	var body lifecycleCollection
	if err := c.ShouldBindJSON(&body); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	ctx := c.Request.Context()
	var errs error
	for _, n := range body.Value {
		errs = multierr.Append(errs, h.applyLifecycle(ctx, n))
	}
	if errs != nil {
		h.logger.Error("failed to handle graph lifecycle notifications", zap.Error(errs))
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) applyLifecycle(ctx context.Context, n LifecycleNotification) error {
	if !h.trusted(n.ClientState) {
		h.logger.Warn("client state mismatch, ignoring lifecycle notification", zap.String("tenant_id", n.TenantID))
		return nil
	}

	switch n.LifecycleEvent {
	case LifecycleReauthorizationRequired:
		return h.syncer.RenewSubscription(ctx, n.TenantID, n.SubscriptionID)
	case LifecycleSubscriptionRemoved:
		provider, err := h.provider(ctx, n.TenantID)
		if err != nil || provider == nil {
			return err
		}
		_, err = h.syncer.Subscribe(ctx, n.TenantID)
		return err
	case LifecycleMissed:
		// Notifications were dropped; a full sync catches up.
		provider, err := h.provider(ctx, n.TenantID)
		if err != nil || provider == nil {
			return err
		}
		_, err = h.syncer.SyncProvider(ctx, provider)
		return err
	default:
		return nil
	}
}

// provider returns nil without an error when no tenant links the directory.
func (h *Handler) provider(ctx context.Context, remoteID string) (*models.IdentityProvider, error) {
	provider, err := h.syncer.ProviderByRemoteID(ctx, remoteID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.logger.Warn("no identity provider for directory", zap.String("tenant_id", remoteID))
		return nil, nil
	}
	return provider, err
}

func (h *Handler) trusted(clientState string) bool {
	expected := h.syncer.ClientState()
	return expected != "" && subtle.ConstantTimeCompare([]byte(clientState), []byte(expected)) == 1
}
