package models

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is an isolated set of users, devices and policies.
// A tenant belongs to exactly one organisation.
type Tenant struct {
	PK        uint      `gorm:"column:pk;primaryKey;autoIncrement" json:"-"`
	ID        string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Slug      string    `gorm:"uniqueIndex;size:100;not null" json:"slug"`
	OrgPK     uint      `gorm:"column:org_pk;not null;index" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Tenant) TableName() string { return "tenants" }

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

// ProviderEntraID is the only supported identity provider.
const ProviderEntraID = "entraId"

// IdentityProvider links a tenant to an external directory.
// The refresh token is stored sealed and is never serialised.
type IdentityProvider struct {
	PK                 uint       `gorm:"column:pk;primaryKey;autoIncrement" json:"-"`
	ID                 string     `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Name               string     `gorm:"size:255" json:"name"`
	Provider           string     `gorm:"size:32;not null;uniqueIndex:idx_idp_remote" json:"provider"`
	TenantPK           uint       `gorm:"column:tenant_pk;not null;uniqueIndex" json:"-"`
	LinkerUPN          *string    `gorm:"column:linker_upn;size:320" json:"linker_upn"`
	LinkerRefreshToken *string    `gorm:"type:text" json:"-"`
	RemoteID           string     `gorm:"size:255;not null;uniqueIndex:idx_idp_remote" json:"remote_id"`
	LastSynced         *time.Time `json:"last_synced"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (IdentityProvider) TableName() string { return "identity_providers" }

func (p *IdentityProvider) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = newID()
	}
	return nil
}

// Domain is a verified domain of the identity provider that has been connected to the tenant.
type Domain struct {
	Domain                        string    `gorm:"primaryKey;size:255" json:"domain"`
	TenantPK                      uint      `gorm:"column:tenant_pk;not null;index" json:"-"`
	IdentityProviderPK            uint      `gorm:"column:identity_provider_pk;not null;index" json:"-"`
	EnterpriseEnrollmentAvailable bool      `gorm:"not null;default:false" json:"enterprise_enrollment_available"`
	CreatedAt                     time.Time `json:"created_at"`
}

func (Domain) TableName() string { return "domains" }

// User is an end-user synced from the tenant's identity provider.
type User struct {
	PK         uint      `gorm:"column:pk;primaryKey;autoIncrement" json:"pk"`
	ID         string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	UPN        string    `gorm:"column:upn;size:320;not null;uniqueIndex:idx_user_upn_tenant" json:"upn"`
	TenantPK   uint      `gorm:"column:tenant_pk;not null;uniqueIndex:idx_user_upn_tenant" json:"-"`
	ProviderPK uint      `gorm:"column:provider_pk;not null;uniqueIndex:idx_user_resource" json:"-"`
	ResourceID string    `gorm:"size:255;not null;uniqueIndex:idx_user_resource" json:"resource_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = newID()
	}
	return nil
}
