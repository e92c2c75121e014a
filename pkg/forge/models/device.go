package models

import (
	"time"

	"gorm.io/gorm"
)

type EnrollmentType string

const (
	EnrollmentUser   EnrollmentType = "user"
	EnrollmentDevice EnrollmentType = "device"
)

type OS string

const (
	OSWindows OS = "Windows"
	OSIPadOS  OS = "iPadOS"
	OSIOS     OS = "iOS"
	OSMacOS   OS = "macOS"
	OSLinux   OS = "Linux"
	OSAndroid OS = "Android"
	OSChrome  OS = "ChromeOS"
)

// Device is an endpoint enrolled into MDM.
type Device struct {
	PK              uint           `gorm:"column:pk;primaryKey;autoIncrement" json:"pk"`
	ID              string         `gorm:"uniqueIndex;size:36;not null" json:"id"`
	MDMID           string         `gorm:"column:mdm_id;uniqueIndex;size:64;not null" json:"-"`
	Name            string         `gorm:"size:255;not null" json:"name"`
	Description     string         `gorm:"size:256" json:"description"`
	EnrollmentType  EnrollmentType `gorm:"size:16;not null" json:"enrollment_type"`
	OS              OS             `gorm:"column:os;size:16;not null" json:"os"`
	SerialNumber    string         `gorm:"uniqueIndex;size:255;not null" json:"serial_number"`
	Manufacturer    string         `gorm:"size:255" json:"manufacturer"`
	Model           string         `gorm:"size:255" json:"model"`
	OSVersion       string         `gorm:"column:os_version;size:255" json:"os_version"`
	IMEI            string         `gorm:"column:imei;size:255" json:"imei"`
	FreeStorage     int64          `json:"free_storage"`
	TotalStorage    int64          `json:"total_storage"`
	OwnerPK         *uint          `gorm:"column:owner_pk;index" json:"-"`
	AzureADDeviceID string         `gorm:"column:azure_ad_device_id;size:255" json:"azure_ad_device_id"`
	EnrolledAt      time.Time      `json:"enrolled_at"`
	EnrolledBy      *uint          `json:"-"`
	LastSynced      time.Time      `json:"last_synced"`
	TenantPK        uint           `gorm:"column:tenant_pk;not null;index" json:"-"`
}

func (Device) TableName() string { return "devices" }

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.MDMID == "" {
		d.MDMID = newID()
	}
	now := time.Now()
	if d.EnrolledAt.IsZero() {
		d.EnrolledAt = now
	}
	if d.LastSynced.IsZero() {
		d.LastSynced = now
	}
	return nil
}

type DeviceActionKind string

const (
	ActionRestart  DeviceActionKind = "restart"
	ActionShutdown DeviceActionKind = "shutdown"
	ActionLost     DeviceActionKind = "lost"
	ActionWipe     DeviceActionKind = "wipe"
	ActionRetire   DeviceActionKind = "retire"
)

// DeviceAction is a pending remote action. At most one of each kind is queued per device.
type DeviceAction struct {
	Action    DeviceActionKind `gorm:"primaryKey;size:16" json:"action"`
	DevicePK  uint             `gorm:"column:device_pk;primaryKey;autoIncrement:false" json:"-"`
	CreatedBy uint             `gorm:"not null" json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}

func (DeviceAction) TableName() string { return "device_actions" }
