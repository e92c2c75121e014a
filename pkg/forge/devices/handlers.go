// Package devices serves enrolled devices and queues remote actions for them.
package devices

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActionSync asks the device to check in. It is not queued.
const ActionSync = "sync"

// Handler handles device requests
type Handler struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewHandler creates a new devices handler
func NewHandler(db *gorm.DB, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{db: db, logger: logger}
}

// Owner is the user a device belongs to
type Owner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DeviceSummary is a row of the device list
type DeviceSummary struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	EnrollmentType models.EnrollmentType `json:"enrollment_type"`
	OS             models.OS             `json:"os"`
	SerialNumber   string                `json:"serial_number"`
	LastSynced     time.Time             `json:"last_synced"`
	Owner          *Owner                `json:"owner"`
	EnrolledAt     time.Time             `json:"enrolled_at"`
}

// DeviceResponse is a device with its owner and queued actions
type DeviceResponse struct {
	models.Device
	Owner          *Owner                    `json:"owner"`
	PendingActions []models.DeviceActionKind `json:"pending_actions"`
}

// ActionRequest queues a remote action
type ActionRequest struct {
	Action string `json:"action" binding:"required,oneof=restart shutdown lost wipe retire sync"`
}

// Assigned is a policy or application that reaches a device
type Assigned struct {
	PK   uint   `json:"pk"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AssignmentsResponse lists what is assigned to a device
type AssignmentsResponse struct {
	Policies []Assigned `json:"policies"`
	Apps     []Assigned `json:"apps"`
}

// RegisterTenantRoutes registers routes on a group that resolves :tenantSlug
func (h *Handler) RegisterTenantRoutes(rg *gin.RouterGroup) {
	rg.GET("/devices", h.List)
}

// RegisterRoutes registers routes on the authenticated /api group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	devices := rg.Group("/devices/:id", h.load)
	devices.GET("", h.Get)
	devices.POST("/action", h.Action)
	devices.GET("/assignments", h.Assignments)
}

const contextKeyDevice = "device"

func (h *Handler) load(c *gin.Context) {
	device, ok := auth.LoadTenantObject(c, h.db, c.Param("id"), "Device", func(d *models.Device) uint { return d.TenantPK })
	if !ok {
		return
	}
	c.Set(contextKeyDevice, device)
	c.Next()
}

func (h *Handler) owners(ctx context.Context, pks []uint) (map[uint]*Owner, error) {
	out := make(map[uint]*Owner)
	if len(pks) == 0 {
		return out, nil
	}
	var users []models.User
	if err := h.db.WithContext(ctx).Select("pk", "id", "name").Where("pk IN ?", pks).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.PK] = &Owner{ID: u.ID, Name: u.Name}
	}
	return out, nil
}

// List returns the tenant's devices
// @Summary List devices
// @Tags devices
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {array} DeviceSummary
// @Router /t/{tenantSlug}/devices [get]
func (h *Handler) List(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)
	ctx := c.Request.Context()

	var devices []models.Device
	if err := h.db.WithContext(ctx).Where("tenant_pk = ?", tenant.PK).Order("name, pk").Find(&devices).Error; err != nil {
		apierr.Abort(c, err)
		return
	}

	var ownerPKs []uint
	for _, d := range devices {
		if d.OwnerPK != nil {
			ownerPKs = append(ownerPKs, *d.OwnerPK)
		}
	}
	owners, err := h.owners(ctx, ownerPKs)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	resp := make([]DeviceSummary, len(devices))
	for i, d := range devices {
		resp[i] = DeviceSummary{
			ID:             d.ID,
			Name:           d.Name,
			EnrollmentType: d.EnrollmentType,
			OS:             d.OS,
			SerialNumber:   d.SerialNumber,
			LastSynced:     d.LastSynced,
			EnrolledAt:     d.EnrolledAt,
		}
		if d.OwnerPK != nil {
			resp[i].Owner = owners[*d.OwnerPK]
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Get returns a device
// @Summary Get device
// @Tags devices
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} DeviceResponse
// @Failure 404 {object} map[string]string
// @Router /devices/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	device := c.MustGet(contextKeyDevice).(*models.Device)
	ctx := c.Request.Context()

	resp := DeviceResponse{Device: *device, PendingActions: []models.DeviceActionKind{}}
	if device.OwnerPK != nil {
		owners, err := h.owners(ctx, []uint{*device.OwnerPK})
		if err != nil {
			apierr.Abort(c, err)
			return
		}
		resp.Owner = owners[*device.OwnerPK]
	}
	if err := h.db.WithContext(ctx).Model(&models.DeviceAction{}).
		Where("device_pk = ?", device.PK).
		Order("created_at").
		Pluck("action", &resp.PendingActions).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Action queues a remote action for the device. Queuing an action that is
// already pending has no effect.
// @Summary Trigger device action
// @Tags devices
// @Accept json
// @Param id path string true "Device ID"
// @Param request body ActionRequest true "Action"
// @Success 204
// @Router /devices/{id}/action [post]
func (h *Handler) Action(c *gin.Context) {
	device := c.MustGet(contextKeyDevice).(*models.Device)
	account, _ := auth.GetAccount(c)

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	if req.Action == ActionSync {
		// TODO: send an MDM push notification once the enrollment service exposes one.
		h.logger.Info("device check-in requested",
			zap.String("device_id", device.ID),
			zap.String("account_id", account.ID))
		c.Status(http.StatusNoContent)
		return
	}

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		action := models.DeviceAction{
			Action:    models.DeviceActionKind(req.Action),
			DevicePK:  device.PK,
			CreatedBy: account.PK,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&action).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionDeviceAction, map[string]any{
			"action":   req.Action,
			"deviceId": device.ID,
		})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Assignments lists the policies and applications that reach the device,
// directly, through its owner, or through a group containing either.
// @Summary Device assignments
// @Tags devices
// @Produce json
// @Param id path string true "Device ID"
// @Success 200 {object} AssignmentsResponse
// @Router /devices/{id}/assignments [get]
func (h *Handler) Assignments(c *gin.Context) {
	device := c.MustGet(contextKeyDevice).(*models.Device)
	db := h.db.WithContext(c.Request.Context())

	// Rows an assignment can point at for this device.
	targets := func() *gorm.DB {
		q := db.Where("variant = ? AND pk = ?", models.VariantDevice, device.PK)
		if device.OwnerPK != nil {
			q = q.Or("variant = ? AND pk = ?", models.VariantUser, *device.OwnerPK)
		}
		return q
	}
	groups := db.Model(&models.GroupAssignable{}).Select("group_pk").Where(targets())
	reaching := func(model any, ownerColumn string) *gorm.DB {
		return db.Model(model).Select(ownerColumn).
			Where(targets()).
			Or("variant = ? AND pk IN (?)", models.VariantGroup, groups)
	}

	resp := AssignmentsResponse{Policies: []Assigned{}, Apps: []Assigned{}}
	if err := db.Model(&models.Policy{}).Select("pk", "id", "name").
		Where("pk IN (?)", reaching(&models.PolicyAssignable{}, "policy_pk")).
		Order("priority, name").
		Scan(&resp.Policies).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	if err := db.Model(&models.Application{}).Select("pk", "id", "name").
		Where("pk IN (?)", reaching(&models.ApplicationAssignable{}, "application_pk")).
		Order("name").
		Scan(&resp.Apps).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
