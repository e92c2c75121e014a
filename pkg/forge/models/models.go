package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AllModels returns all models for migration
func AllModels() []interface{} {
	return []interface{}{
		&Account{},
		&Session{},
		&AccountLoginCode{},
		&CLIAuthCode{},
		&Organisation{},
		&OrganisationMember{},
		&OrganisationInvite{},
		&Tenant{},
		&IdentityProvider{},
		&Domain{},
		&User{},
		&Device{},
		&DeviceAction{},
		&Group{},
		&GroupAssignable{},
		&Application{},
		&ApplicationAssignable{},
		&Policy{},
		&PolicyAssignable{},
		&PolicyDeploy{},
		&PolicyDeployStatus{},
		&AuditLog{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

// Variant identifies the kind of row a polymorphic assignment points at.
type Variant string

const (
	VariantUser   Variant = "user"
	VariantDevice Variant = "device"
	VariantGroup  Variant = "group"
)

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	switch v {
	case VariantUser, VariantDevice, VariantGroup:
		return true
	}
	return false
}

// newID returns the public identifier for a new row.
func newID() string {
	return uuid.NewString()
}
