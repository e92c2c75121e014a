// Package audit records changes made inside a tenant.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/mattrax/forge/pkg/forge/reqctx"
	"gorm.io/gorm"
)

// Action names stored in the audit log.
const (
	ActionAddIdP        = "addIdp"
	ActionRemoveIdP     = "removeIdp"
	ActionConnectDomain = "connectDomain"
	ActionRemoveDomain  = "removeDomain"
	ActionAddPolicy     = "addPolicy"
	ActionDeletePolicy  = "deletePolicy"
	ActionDeployPolicy  = "deployPolicy"
	ActionImportPolicy  = "importPolicy"
	ActionAddGroup      = "addGroup"
	ActionDeleteGroup   = "deleteGroup"
	ActionAddApp        = "addApp"
	ActionDeleteApp     = "deleteApp"
	ActionDeviceAction  = "deviceAction"
	ActionUpdateTenant  = "updateTenant"
)

// ErrNoTenant is returned when an entry is recorded outside a tenant scope.
var ErrNoTenant = errors.New("audit: no tenant in context")

// Record writes an audit entry for the tenant in ctx, attributed to the account
// in ctx (or the system when there is none). It joins the transaction in ctx.
func Record(ctx context.Context, db *gorm.DB, action string, data map[string]any) error {
	tenant, ok := reqctx.Tenant(ctx)
	if !ok {
		return ErrNoTenant
	}

	entry := models.AuditLog{
		TenantPK: tenant.PK,
		Action:   action,
		Data:     data,
	}
	if account, ok := reqctx.Account(ctx); ok {
		pk := account.PK
		entry.AccountPK = &pk
	}

	return database.Use(ctx, db).Create(&entry).Error
}

// Entry is an audit log row joined with the account that made the change.
type Entry struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
	DoneAt time.Time      `json:"done_at"`
	User   *string        `json:"user"`
}

// List returns the most recent entries of a tenant, newest first.
func List(ctx context.Context, db *gorm.DB, tenantPK uint, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	tx := database.Use(ctx, db)

	var logs []models.AuditLog
	if err := tx.Where("tenant_pk = ?", tenantPK).
		Order("done_at DESC, pk DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}

	var accountPKs []uint
	for _, l := range logs {
		if l.AccountPK != nil {
			accountPKs = append(accountPKs, *l.AccountPK)
		}
	}
	names := make(map[uint]string)
	if len(accountPKs) > 0 {
		var accounts []models.Account
		if err := tx.Select("pk", "name").Where("pk IN ?", accountPKs).Find(&accounts).Error; err != nil {
			return nil, err
		}
		for _, a := range accounts {
			names[a.PK] = a.Name
		}
	}

	entries := make([]Entry, len(logs))
	for i, l := range logs {
		entries[i] = Entry{
			ID:     l.ID,
			Action: l.Action,
			Data:   l.Data,
			DoneAt: l.DoneAt,
		}
		if l.AccountPK != nil {
			if name, ok := names[*l.AccountPK]; ok {
				entries[i].User = &name
			}
		}
	}
	return entries, nil
}
