package models

import (
	"time"

	"gorm.io/gorm"
)

// Group collects users and devices so policies and applications can target them together.
type Group struct {
	PK        uint      `gorm:"column:pk;primaryKey;autoIncrement" json:"pk"`
	ID        string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Name      string    `gorm:"size:256;not null" json:"name"`
	TenantPK  uint      `gorm:"column:tenant_pk;not null;index" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Group) TableName() string { return "groups" }

func (g *Group) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = newID()
	}
	return nil
}

// GroupAssignable is a member of a group. Variant is user or device.
type GroupAssignable struct {
	GroupPK uint    `gorm:"column:group_pk;primaryKey;autoIncrement:false" json:"-"`
	PK      uint    `gorm:"column:pk;primaryKey;autoIncrement:false" json:"pk"`
	Variant Variant `gorm:"primaryKey;size:16" json:"variant"`
}

func (GroupAssignable) TableName() string { return "group_assignables" }

// Application is an app that can be pushed to devices.
type Application struct {
	PK          uint      `gorm:"column:pk;primaryKey;autoIncrement" json:"pk"`
	ID          string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Name        string    `gorm:"size:256;not null" json:"name"`
	Description string    `gorm:"size:256" json:"description"`
	TargetType  string    `gorm:"size:16;not null" json:"target_type"`
	TargetID    string    `gorm:"size:255;not null" json:"target_id"`
	TenantPK    uint      `gorm:"column:tenant_pk;not null;index" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Application) TableName() string { return "apps" }

// Application targets.
const (
	TargetIOS     = "iOS"
	TargetWindows = "Windows"
)

func (a *Application) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = newID()
	}
	return nil
}

// ApplicationAssignable targets an application at a user, device or group.
type ApplicationAssignable struct {
	ApplicationPK uint    `gorm:"column:application_pk;primaryKey;autoIncrement:false" json:"-"`
	PK            uint    `gorm:"column:pk;primaryKey;autoIncrement:false" json:"pk"`
	Variant       Variant `gorm:"primaryKey;size:16" json:"variant"`
}

func (ApplicationAssignable) TableName() string { return "application_assignments" }
