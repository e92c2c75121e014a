package models

import (
	"time"

	"gorm.io/gorm"
)

// AuditLog records a change made inside a tenant. A nil AccountPK means the
// change was made by the system.
type AuditLog struct {
	PK        uint           `gorm:"column:pk;primaryKey;autoIncrement" json:"-"`
	ID        string         `gorm:"uniqueIndex;size:36;not null" json:"id"`
	TenantPK  uint           `gorm:"column:tenant_pk;not null;index" json:"-"`
	Action    string         `gorm:"size:64;not null" json:"action"`
	Data      map[string]any `gorm:"serializer:json" json:"data"`
	AccountPK *uint          `gorm:"column:account_pk" json:"-"`
	DoneAt    time.Time      `gorm:"not null;index" json:"done_at"`
}

func (AuditLog) TableName() string { return "audit_log" }

func (l *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.DoneAt.IsZero() {
		l.DoneAt = time.Now()
	}
	return nil
}
