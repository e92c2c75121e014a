package models

import (
	"time"

	"gorm.io/gorm"
)

// Organisation owns tenants and is the billing boundary.
// Every member of an organisation administers it; the owner cannot be removed.
type Organisation struct {
	PK               uint      `gorm:"column:pk;primaryKey;autoIncrement" json:"-"`
	ID               string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Name             string    `gorm:"size:100;not null" json:"name"`
	Slug             string    `gorm:"uniqueIndex;size:100;not null" json:"slug"`
	BillingEmail     string    `gorm:"size:320" json:"billing_email"`
	StripeCustomerID *string   `gorm:"size:255" json:"-"`
	OwnerPK          uint      `gorm:"column:owner_pk;not null" json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Organisation) TableName() string { return "organisations" }

func (o *Organisation) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = newID()
	}
	return nil
}

// OrganisationMember grants an account access to an organisation and its tenants.
type OrganisationMember struct {
	OrgPK     uint `gorm:"column:org_pk;primaryKey;autoIncrement:false"`
	AccountPK uint `gorm:"column:account_pk;primaryKey;autoIncrement:false"`
}

func (OrganisationMember) TableName() string { return "organisation_members" }

// OrganisationInvite is a pending invitation for an email address to join an organisation.
type OrganisationInvite struct {
	Code      string    `gorm:"primaryKey;size:36" json:"-"`
	OrgPK     uint      `gorm:"column:org_pk;not null;uniqueIndex:idx_invite_org_email" json:"-"`
	Email     string    `gorm:"size:320;not null;uniqueIndex:idx_invite_org_email" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (OrganisationInvite) TableName() string { return "organisation_invites" }
