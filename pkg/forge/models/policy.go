package models

import (
	"errors"
	"time"

	"github.com/mattrax/forge/pkg/forge/policy"
	"gorm.io/gorm"
)

// ErrDeployImmutable is returned when something tries to modify a recorded deploy.
var ErrDeployImmutable = errors.New("policy deploys are immutable")

// DefaultPolicyPriority is used when a policy is created without one.
const DefaultPolicyPriority = 128

// Policy is the current, editable configuration of a policy.
type Policy struct {
	PK           uint        `gorm:"column:pk;primaryKey;autoIncrement" json:"pk"`
	ID           string      `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Priority     int         `gorm:"not null;default:128" json:"priority"`
	Name         string      `gorm:"size:256;not null" json:"name"`
	Data         policy.Data `gorm:"serializer:json;type:json" json:"data"`
	TenantPK     uint        `gorm:"column:tenant_pk;not null;index" json:"-"`
	LastModified time.Time   `gorm:"autoUpdateTime" json:"last_modified"`
	CreatedAt    time.Time   `json:"created_at"`
}

func (Policy) TableName() string { return "policies" }

func (p *Policy) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Priority == 0 {
		p.Priority = DefaultPolicyPriority
	}
	return nil
}

// PolicyAssignable targets a policy at a user, device or group.
type PolicyAssignable struct {
	PolicyPK uint    `gorm:"column:policy_pk;primaryKey;autoIncrement:false" json:"-"`
	PK       uint    `gorm:"column:pk;primaryKey;autoIncrement:false" json:"pk"`
	Variant  Variant `gorm:"primaryKey;size:16" json:"variant"`
}

func (PolicyAssignable) TableName() string { return "policy_assignables" }

// PolicyDeploy is a snapshot of a policy's data at the moment it was deployed.
// Rows are append-only.
type PolicyDeploy struct {
	PK       uint        `gorm:"column:pk;primaryKey;autoIncrement" json:"-"`
	ID       string      `gorm:"uniqueIndex;size:36;not null" json:"id"`
	PolicyPK uint        `gorm:"column:policy_pk;not null;index" json:"-"`
	Data     policy.Data `gorm:"serializer:json;type:json" json:"data"`
	Comment  string      `gorm:"size:256;not null" json:"comment"`
	AuthorPK uint        `gorm:"column:author_pk;not null" json:"-"`
	DoneAt   time.Time   `gorm:"not null;index" json:"done_at"`
}

func (PolicyDeploy) TableName() string { return "policy_deploys" }

func (d *PolicyDeploy) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.DoneAt.IsZero() {
		d.DoneAt = time.Now()
	}
	return nil
}

func (d *PolicyDeploy) BeforeUpdate(tx *gorm.DB) error {
	return ErrDeployImmutable
}

func (d *PolicyDeploy) BeforeSave(tx *gorm.DB) error {
	if d.PK != 0 {
		return ErrDeployImmutable
	}
	return nil
}

type DeployStatus string

const (
	DeployPending DeployStatus = "pending"
	DeploySuccess DeployStatus = "success"
	DeployFailed  DeployStatus = "failed"
)

// Valid reports whether s is a known deploy status.
func (s DeployStatus) Valid() bool {
	switch s {
	case DeployPending, DeploySuccess, DeployFailed:
		return true
	}
	return false
}

// PolicyDeployStatus records the outcome of a deploy on one device.
type PolicyDeployStatus struct {
	DeployPK  uint         `gorm:"column:deploy_pk;primaryKey;autoIncrement:false" json:"-"`
	DevicePK  uint         `gorm:"column:device_pk;primaryKey;autoIncrement:false" json:"-"`
	Status    DeployStatus `gorm:"size:16;not null" json:"status"`
	Conflicts []string     `gorm:"serializer:json" json:"conflicts,omitempty"`
	DoneAt    time.Time    `gorm:"not null" json:"done_at"`
}

func (PolicyDeployStatus) TableName() string { return "policy_deploy_statuses" }
