package policies

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/auth"
	"github.com/mattrax/forge/pkg/forge/deploy"
	"github.com/mattrax/forge/pkg/forge/models"
)

// DeployRequest deploys the current version of a policy
type DeployRequest struct {
	Comment string `json:"comment" binding:"max=256"`
}

// DeployResponse identifies a new deploy
type DeployResponse struct {
	ID string `json:"id"`
}

// StatusReport is sent by the MDM service when a device applied a deploy
type StatusReport struct {
	DeviceID  string              `json:"device_id" binding:"required"`
	Status    models.DeployStatus `json:"status" binding:"required,oneof=pending success failed"`
	Conflicts []string            `json:"conflicts"`
}

// Deploy snapshots the policy and sends it to the devices it reaches
// @Summary Deploy policy
// @Tags policies
// @Accept json
// @Produce json
// @Param id path string true "Policy ID"
// @Param request body DeployRequest true "Deploy"
// @Success 201 {object} DeployResponse
// @Failure 412 {object} map[string]string "No changes to deploy"
// @Router /policies/{id}/deploy [post]
func (h *Handler) Deploy(c *gin.Context) {
	pol := getPolicy(c)
	tenant, _ := auth.GetTenant(c)
	account, _ := auth.GetAccount(c)

	var req DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	d, err := h.deploys.Create(c.Request.Context(), pol, tenant, strings.TrimSpace(req.Comment), account.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, DeployResponse{ID: d.ID})
}

// Deploys returns the policy's deploy history, newest first
// @Summary List deploys
// @Tags policies
// @Produce json
// @Param id path string true "Policy ID"
// @Param limit query int false "Maximum deploys"
// @Success 200 {array} deploy.Summary
// @Router /policies/{id}/deploys [get]
func (h *Handler) Deploys(c *gin.Context) {
	pol := getPolicy(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > deploy.MaxListLimit {
			apierr.Abort(c, apierr.New(apierr.BadRequest, "limit must be between 1 and "+strconv.Itoa(deploy.MaxListLimit)))
			return
		}
		limit = n
	}

	deploys, err := h.deploys.List(c.Request.Context(), pol.PK, limit)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, deploys)
}

// GetDeploy returns one deploy with its data and status counts
// @Summary Get deploy
// @Tags policies
// @Produce json
// @Param id path string true "Policy ID"
// @Param deployId path string true "Deploy ID"
// @Success 200 {object} deploy.Detail
// @Failure 404 {object} map[string]string
// @Router /policies/{id}/deploys/{deployId} [get]
func (h *Handler) GetDeploy(c *gin.Context) {
	pol := getPolicy(c)

	detail, _, err := h.deploys.Get(c.Request.Context(), pol.PK, c.Param("deployId"))
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// DeployStatus lists the outcome of a deploy on each device
// @Summary Deploy status
// @Tags policies
// @Produce json
// @Param id path string true "Policy ID"
// @Param deployId path string true "Deploy ID"
// @Success 200 {array} deploy.DeviceStatus
// @Router /policies/{id}/deploys/{deployId}/status [get]
func (h *Handler) DeployStatus(c *gin.Context) {
	pol := getPolicy(c)
	ctx := c.Request.Context()

	_, d, err := h.deploys.Get(ctx, pol.PK, c.Param("deployId"))
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	statuses, err := h.deploys.Statuses(ctx, d.PK)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

// ReportStatus records the outcome of a deploy on a device
// @Summary Report deploy status
// @Tags internal
// @Accept json
// @Param deployId path string true "Deploy ID"
// @Param request body StatusReport true "Status"
// @Success 204
// @Router /internal/deploys/{deployId}/status [post]
func (h *Handler) ReportStatus(c *gin.Context) {
	var req StatusReport
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	if err := h.deploys.ReportStatus(c.Request.Context(), c.Param("deployId"), req.DeviceID, req.Status, req.Conflicts); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
