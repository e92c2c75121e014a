package models

import (
	"slices"
	"time"

	"gorm.io/gorm"
)

// Account is an administrator who signs in to the dashboard.
type Account struct {
	PK        uint      `gorm:"column:pk;primaryKey;autoIncrement" json:"-"`
	ID        string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"uniqueIndex;size:320;not null" json:"email"`
	Features  []string  `gorm:"serializer:json" json:"features"`
	CreatedAt time.Time `json:"created_at"`
}

func (Account) TableName() string { return "accounts" }

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = newID()
	}
	return nil
}

// HasFeature reports whether a feature flag is enabled for the account.
func (a *Account) HasFeature(feature string) bool {
	return slices.Contains(a.Features, feature)
}

// Session is a signed-in browser or CLI. The ID is the bearer secret.
type Session struct {
	ID        string    `gorm:"primaryKey;size:64" json:"-"`
	AccountPK uint      `gorm:"column:account_pk;not null;index" json:"-"`
	UserAgent string    `gorm:"size:512" json:"user_agent"`
	Location  string    `gorm:"size:255" json:"location"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (Session) TableName() string { return "sessions" }

// AccountLoginCode is a single use code emailed to an account to sign in.
type AccountLoginCode struct {
	Code      string    `gorm:"primaryKey;size:8" json:"-"`
	AccountPK uint      `gorm:"column:account_pk;not null;index" json:"-"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (AccountLoginCode) TableName() string { return "account_login_codes" }

// CLIAuthCode lets a CLI obtain a session once a signed-in account approves it.
type CLIAuthCode struct {
	Code      string    `gorm:"primaryKey;size:64" json:"code"`
	SessionID *string   `gorm:"size:64" json:"-"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (CLIAuthCode) TableName() string { return "cli_auth_codes" }
