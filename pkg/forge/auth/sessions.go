package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/gorm"
)

const (
	// SessionCookie holds the session id for browser sessions.
	SessionCookie = "auth_session"
	// LoggedInCookie is readable by the frontend so it can skip the login page.
	LoggedInCookie = "isLoggedIn"

	LoginCodeTTL = 15 * time.Minute
	CLICodeTTL   = 10 * time.Minute
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrExpiredSession = errors.New("session has expired")
)

// Sessions creates and validates sessions stored in the database.
type Sessions struct {
	db     *gorm.DB
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewSessions returns a session store. Sessions last ttl and are extended when
// used during the second half of their lifetime.
func NewSessions(db *gorm.DB, ttl time.Duration, secure bool) *Sessions {
	return &Sessions{db: db, ttl: ttl, secure: secure, now: time.Now}
}

// Create starts a new session for an account.
func (s *Sessions) Create(ctx context.Context, accountPK uint, userAgent, location string) (*models.Session, error) {
	id, err := randomToken(20)
	if err != nil {
		return nil, err
	}
	session := &models.Session{
		ID:        id,
		AccountPK: accountPK,
		UserAgent: truncate(userAgent, 512),
		Location:  location,
		ExpiresAt: s.now().Add(s.ttl),
	}
	if err := database.Use(ctx, s.db).Create(session).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Validate loads a session and its account. refreshed is true when the expiry
// was pushed back and the cookie should be re-issued.
func (s *Sessions) Validate(ctx context.Context, id string) (session *models.Session, account *models.Account, refreshed bool, err error) {
	if id == "" {
		return nil, nil, false, ErrInvalidSession
	}

	db := database.Use(ctx, s.db)
	var sess models.Session
	if err := db.Where("id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, false, ErrInvalidSession
		}
		return nil, nil, false, err
	}

	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		if err := db.Delete(&models.Session{}, "id = ?", sess.ID).Error; err != nil {
			return nil, nil, false, fmt.Errorf("delete expired session: %w", err)
		}
		return nil, nil, false, ErrExpiredSession
	}

	var acct models.Account
	if err := db.Where("pk = ?", sess.AccountPK).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, false, ErrInvalidSession
		}
		return nil, nil, false, err
	}

	if sess.ExpiresAt.Sub(now) < s.ttl/2 {
		sess.ExpiresAt = now.Add(s.ttl)
		if err := db.Model(&models.Session{}).Where("id = ?", sess.ID).Update("expires_at", sess.ExpiresAt).Error; err != nil {
			return nil, nil, false, err
		}
		refreshed = true
	}

	return &sess, &acct, refreshed, nil
}

// Invalidate deletes a session.
func (s *Sessions) Invalidate(ctx context.Context, id string) error {
	return database.Use(ctx, s.db).Delete(&models.Session{}, "id = ?", id).Error
}

// PruneExpired deletes expired sessions, login codes and CLI codes.
func (s *Sessions) PruneExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	err := database.Transaction(ctx, s.db, func(ctx context.Context, tx *gorm.DB) error {
		res := tx.Where("expires_at <= ?", now).Delete(&models.Session{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Where("created_at <= ?", now.Add(-LoginCodeTTL)).Delete(&models.AccountLoginCode{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Where("created_at <= ?", now.Add(-CLICodeTTL)).Delete(&models.CLIAuthCode{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}

// SetCookie writes the session cookie and the frontend's logged in marker.
func (s *Sessions) SetCookie(c *gin.Context, session *models.Session) {
	maxAge := int(time.Until(session.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, session.ID, maxAge, "/", "", s.secure, true)
	c.SetCookie(LoggedInCookie, "true", maxAge, "/", "", s.secure, false)
}

// ClearCookie removes both session cookies.
func (s *Sessions) ClearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", s.secure, true)
	c.SetCookie(LoggedInCookie, "", -1, "/", "", s.secure, false)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newLoginCode returns an 8 digit numeric code.
func newLoginCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", fmt.Errorf("generate login code: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
