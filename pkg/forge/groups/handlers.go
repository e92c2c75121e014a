// Package groups manages groups of users and devices and what is assigned to them.
package groups

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
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Kinds of row a group can be assigned to.
const (
	AssignPolicy      = "policy"
	AssignApplication = "application"
)

// Handler handles group requests
type Handler struct {
	db *gorm.DB
}

// NewHandler creates a new groups handler
func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

// GroupRequest creates or renames a group
type GroupRequest struct {
	Name string `json:"name" binding:"required,notblank,max=256"`
}

// GroupResponse is a group with its member count
type GroupResponse struct {
	PK        uint      `json:"pk"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   int64     `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment is a policy or application a group is assigned to
type Assignment struct {
	PK      uint   `json:"pk" binding:"required"`
	Variant string `json:"variant" binding:"required,oneof=policy application"`
}

// AssignmentsRequest adds or removes assignments
type AssignmentsRequest struct {
	Assignments []Assignment `json:"assignments" binding:"required,min=1,max=500,dive"`
}

// Assigned is a policy or application with its name
type Assigned struct {
	PK   uint   `json:"pk"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AssignmentsResponse lists a group's assignments
type AssignmentsResponse struct {
	Policies []Assigned `json:"policies"`
	Apps     []Assigned `json:"apps"`
}

// RegisterTenantRoutes registers routes on a group that resolves :tenantSlug
func (h *Handler) RegisterTenantRoutes(rg *gin.RouterGroup) {
	rg.GET("/groups", h.List)
	rg.POST("/groups", h.Create)
}

// RegisterRoutes registers routes on the authenticated /api group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	groups := rg.Group("/groups/:id", h.load)
	groups.GET("", h.Get)
	groups.PATCH("", h.Update)
	groups.DELETE("", h.Delete)
	groups.GET("/members", h.Members)
	groups.POST("/members", h.AddMembers)
	groups.DELETE("/members", h.RemoveMembers)
	groups.GET("/assignments", h.Assignments)
	groups.POST("/assignments", h.AddAssignments)
	groups.DELETE("/assignments", h.RemoveAssignments)
}

const contextKeyGroup = "group"

func (h *Handler) load(c *gin.Context) {
	group, ok := auth.LoadTenantObject(c, h.db, c.Param("id"), "Group", func(g *models.Group) uint { return g.TenantPK })
	if !ok {
		return
	}
	c.Set(contextKeyGroup, group)
	c.Next()
}

func getGroup(c *gin.Context) *models.Group {
	return c.MustGet(contextKeyGroup).(*models.Group)
}

// withCounts selects groups aliased as g. The table name is quoted because
// GROUPS is a reserved word in MySQL 8.
func (h *Handler) withCounts(db *gorm.DB) *gorm.DB {
	return db.Table("? AS g", clause.Table{Name: models.Group{}.TableName()}).
		Select("g.pk, g.id, g.name, g.created_at, COUNT(group_assignables.pk) AS members").
		Joins("LEFT JOIN group_assignables ON group_assignables.group_pk = g.pk").
		Group("g.pk, g.id, g.name, g.created_at")
}

// List returns the tenant's groups
// @Summary List groups
// @Tags groups
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Success 200 {array} GroupResponse
// @Router /t/{tenantSlug}/groups [get]
func (h *Handler) List(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	groups := []GroupResponse{}
	if err := h.withCounts(h.db.WithContext(c.Request.Context())).
		Where("g.tenant_pk = ?", tenant.PK).
		Order("g.name").
		Scan(&groups).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

// Create creates a group
// @Summary Create group
// @Tags groups
// @Accept json
// @Produce json
// @Param tenantSlug path string true "Tenant slug"
// @Param request body GroupRequest true "Group"
// @Success 201 {object} GroupResponse
// @Router /t/{tenantSlug}/groups [post]
func (h *Handler) Create(c *gin.Context) {
	tenant, _ := auth.GetTenant(c)

	var req GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	group := models.Group{Name: strings.TrimSpace(req.Name), TenantPK: tenant.PK}
	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionAddGroup, map[string]any{"id": group.ID, "name": group.Name})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, GroupResponse{PK: group.PK, ID: group.ID, Name: group.Name, CreatedAt: group.CreatedAt})
}

// Get returns a group
// @Summary Get group
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} GroupResponse
// @Failure 404 {object} map[string]string
// @Router /groups/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	group := getGroup(c)

	var resp GroupResponse
	if err := h.withCounts(h.db.WithContext(c.Request.Context())).
		Where("g.pk = ?", group.PK).
		Scan(&resp).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Update renames a group
// @Summary Update group
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param request body GroupRequest true "Group"
// @Success 200 {object} GroupResponse
// @Router /groups/{id} [patch]
func (h *Handler) Update(c *gin.Context) {
	group := getGroup(c)

	var req GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	group.Name = strings.TrimSpace(req.Name)
	if err := h.db.WithContext(c.Request.Context()).
		Model(&models.Group{}).
		Where("pk = ?", group.PK).
		Update("name", group.Name).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	h.Get(c)
}

// Delete removes a group, its memberships and everything assigned to it
// @Summary Delete group
// @Tags groups
// @Param id path string true "Group ID"
// @Success 204
// @Router /groups/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	group := getGroup(c)

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Where("group_pk = ?", group.PK).Delete(&models.GroupAssignable{}).Error; err != nil {
			return err
		}
		if err := assignables.Unreference(tx, models.VariantGroup, []uint{group.PK}); err != nil {
			return err
		}
		if err := tx.Delete(&models.Group{}, group.PK).Error; err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionDeleteGroup, map[string]any{"id": group.ID, "name": group.Name})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Members lists the users and devices in a group
// @Summary List group members
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {array} assignables.Named
// @Router /groups/{id}/members [get]
func (h *Handler) Members(c *gin.Context) {
	group := getGroup(c)
	ctx := c.Request.Context()

	var rows []models.GroupAssignable
	if err := h.db.WithContext(ctx).Where("group_pk = ?", group.PK).Order("variant, pk").Find(&rows).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	refs := make([]assignables.Ref, len(rows))
	for i, r := range rows {
		refs[i] = assignables.Ref{PK: r.PK, Variant: r.Variant}
	}
	members, err := assignables.Describe(ctx, h.db, refs)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

// AddMembers adds users or devices to a group. Existing members are left as they are.
// @Summary Add group members
// @Tags groups
// @Accept json
// @Param id path string true "Group ID"
// @Param request body assignables.Request true "Members"
// @Success 204
// @Router /groups/{id}/members [post]
func (h *Handler) AddMembers(c *gin.Context) {
	group := getGroup(c)

	var req assignables.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := assignables.Validate(ctx, tx, group.TenantPK, req.Members, models.VariantUser, models.VariantDevice); err != nil {
			return err
		}
		rows := make([]models.GroupAssignable, len(req.Members))
		for i, m := range req.Members {
			rows[i] = models.GroupAssignable{GroupPK: group.PK, PK: m.PK, Variant: m.Variant}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveMembers removes users or devices from a group
// @Summary Remove group members
// @Tags groups
// @Accept json
// @Param id path string true "Group ID"
// @Param request body assignables.Request true "Members"
// @Success 204
// @Router /groups/{id}/members [delete]
func (h *Handler) RemoveMembers(c *gin.Context) {
	group := getGroup(c)

	var req assignables.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}

	if err := assignables.Remove(h.db.WithContext(c.Request.Context()), &models.GroupAssignable{}, "group_pk", group.PK, req.Members); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Assignments lists the policies and applications assigned to a group
// @Summary List group assignments
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} AssignmentsResponse
// @Router /groups/{id}/assignments [get]
func (h *Handler) Assignments(c *gin.Context) {
	group := getGroup(c)
	db := h.db.WithContext(c.Request.Context())

	assigned := func(model any, ownerColumn string) *gorm.DB {
		return db.Model(model).Select(ownerColumn).Where("variant = ? AND pk = ?", models.VariantGroup, group.PK)
	}

	resp := AssignmentsResponse{Policies: []Assigned{}, Apps: []Assigned{}}
	if err := db.Model(&models.Policy{}).Select("pk", "id", "name").
		Where("pk IN (?)", assigned(&models.PolicyAssignable{}, "policy_pk")).
		Order("name").
		Scan(&resp.Policies).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	if err := db.Model(&models.Application{}).Select("pk", "id", "name").
		Where("pk IN (?)", assigned(&models.ApplicationAssignable{}, "application_pk")).
		Order("name").
		Scan(&resp.Apps).Error; err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func splitAssignments(in []Assignment) (policies, apps []uint) {
	for _, a := range in {
		switch a.Variant {
		case AssignPolicy:
			policies = append(policies, a.PK)
		case AssignApplication:
			apps = append(apps, a.PK)
		}
	}
	return policies, apps
}

// ensureOwned fails unless every pk is a row of model in the tenant.
func ensureOwned(tx *gorm.DB, model any, tenantPK uint, pks []uint, name string) error {
	if len(pks) == 0 {
		return nil
	}
	var found int64
	if err := tx.Model(model).Where("tenant_pk = ? AND pk IN ?", tenantPK, pks).Count(&found).Error; err != nil {
		return err
	}
	unique := make(map[uint]struct{}, len(pks))
	for _, pk := range pks {
		unique[pk] = struct{}{}
	}
	if found != int64(len(unique)) {
		return apierr.New(apierr.BadRequest, "Unknown "+name)
	}
	return nil
}

// AddAssignments assigns policies or applications to a group. Existing
// assignments are left as they are.
// @Summary Add group assignments
// @Tags groups
// @Accept json
// @Param id path string true "Group ID"
// @Param request body AssignmentsRequest true "Assignments"
// @Success 204
// @Router /groups/{id}/assignments [post]
func (h *Handler) AddAssignments(c *gin.Context) {
	group := getGroup(c)

	var req AssignmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	policies, apps := splitAssignments(req.Assignments)

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := ensureOwned(tx, &models.Policy{}, group.TenantPK, policies, AssignPolicy); err != nil {
			return err
		}
		if err := ensureOwned(tx, &models.Application{}, group.TenantPK, apps, AssignApplication); err != nil {
			return err
		}

		if len(policies) > 0 {
			rows := make([]models.PolicyAssignable, len(policies))
			for i, pk := range policies {
				rows[i] = models.PolicyAssignable{PolicyPK: pk, PK: group.PK, Variant: models.VariantGroup}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(apps) > 0 {
			rows := make([]models.ApplicationAssignable, len(apps))
			for i, pk := range apps {
				rows[i] = models.ApplicationAssignable{ApplicationPK: pk, PK: group.PK, Variant: models.VariantGroup}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
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

// RemoveAssignments unassigns policies or applications from a group
// @Summary Remove group assignments
// @Tags groups
// @Accept json
// @Param id path string true "Group ID"
// @Param request body AssignmentsRequest true "Assignments"
// @Success 204
// @Router /groups/{id}/assignments [delete]
func (h *Handler) RemoveAssignments(c *gin.Context) {
	group := getGroup(c)

	var req AssignmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBinding(c, err)
		return
	}
	policies, apps := splitAssignments(req.Assignments)

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if len(policies) > 0 {
			if err := tx.Where("variant = ? AND pk = ? AND policy_pk IN ?", models.VariantGroup, group.PK, policies).
				Delete(&models.PolicyAssignable{}).Error; err != nil {
				return err
			}
		}
		if len(apps) > 0 {
			return tx.Where("variant = ? AND pk = ? AND application_pk IN ?", models.VariantGroup, group.PK, apps).
				Delete(&models.ApplicationAssignable{}).Error
		}
		return nil
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
