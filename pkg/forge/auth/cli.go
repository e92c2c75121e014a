package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/gorm"
)

// ErrInvalidCode is returned for unknown, expired or already used codes.
var ErrInvalidCode = errors.New("invalid code")

// CreateCLICode starts the CLI login flow. The CLI shows the code to the user,
// who approves it from a signed in browser, then polls RedeemCLICode.
// @Summary Start CLI login
// @Tags auth
// @Produce json
// @Success 201 {object} map[string]string
// @Router /auth/cli [post]
func (h *Handler) CreateCLICode(c *gin.Context) {
	if h.opts.Limiter != nil && !h.opts.Limiter.Allow("cli:"+c.ClientIP()) {
		apierr.Abort(c, apierr.New(apierr.TooManyRequests, "Too many login attempts, try again later"))
		return
	}

	code, err := randomToken(16)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&models.CLIAuthCode{Code: code}).Error; err != nil {
		apierr.Abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":        code,
		"approve_url": h.opts.BaseURL + "/cli/" + code,
		"expires_in":  int(CLICodeTTL.Seconds()),
	})
}

// ApproveCLICode binds a new session for the signed in account to a CLI code.
// @Summary Approve CLI login
// @Tags auth
// @Param code path string true "CLI code"
// @Success 204
// @Failure 404 {object} map[string]string
// @Router /auth/cli/{code}/approve [post]
func (h *Handler) ApproveCLICode(c *gin.Context) {
	account, _ := GetAccount(c)
	code := c.Param("code")

	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		row, err := h.findCLICode(tx, code)
		if err != nil {
			return err
		}
		if row.SessionID != nil {
			return apierr.New(apierr.Conflict, "Code has already been approved")
		}

		session, err := h.sessions.Create(ctx, account.PK, "forge-cli", "")
		if err != nil {
			return err
		}
		return tx.Model(&models.CLIAuthCode{}).Where("code = ?", row.Code).Update("session_id", session.ID).Error
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RedeemCLICode returns the session token once the code has been approved.
// Until then it responds 202 so the CLI keeps polling.
// @Summary Redeem CLI login
// @Tags auth
// @Produce json
// @Param code path string true "CLI code"
// @Success 200 {object} map[string]string
// @Success 202 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /auth/cli/{code} [get]
func (h *Handler) RedeemCLICode(c *gin.Context) {
	var token string
	err := database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		row, err := h.findCLICode(tx, c.Param("code"))
		if err != nil {
			return err
		}
		if row.SessionID == nil {
			return nil
		}
		token = *row.SessionID
		return tx.Delete(&models.CLIAuthCode{}, "code = ?", row.Code).Error
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	if token == "" {
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) findCLICode(tx *gorm.DB, code string) (*models.CLIAuthCode, error) {
	var row models.CLIAuthCode
	if err := tx.Where("code = ?", code).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.Wrap(apierr.NotFound, "Invalid code", ErrInvalidCode)
		}
		return nil, err
	}
	if h.sessions.now().Sub(row.CreatedAt) > CLICodeTTL {
		return nil, apierr.Wrap(apierr.NotFound, "Invalid code", ErrInvalidCode)
	}
	return &row, nil
}
