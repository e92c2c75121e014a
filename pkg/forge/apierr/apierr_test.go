package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func TestCodeStatus(t *testing.T) {
	tests := map[Code]int{
		Unauthorized:       http.StatusUnauthorized,
		Forbidden:          http.StatusForbidden,
		NotFound:           http.StatusNotFound,
		PreconditionFailed: http.StatusPreconditionFailed,
		BadRequest:         http.StatusBadRequest,
		Conflict:           http.StatusConflict,
		TooManyRequests:    http.StatusTooManyRequests,
		Internal:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := code.Status(); got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestFrom(t *testing.T) {
	if got := From(fmt.Errorf("load: %w", gorm.ErrRecordNotFound)); got.Code != NotFound {
		t.Errorf("Expected NOT_FOUND, got %s", got.Code)
	}
	if got := From(errors.New("disk on fire")); got.Code != Internal || got.Message != "Internal server error" {
		t.Errorf("Expected generic internal error, got %s %q", got.Code, got.Message)
	}
	wrapped := fmt.Errorf("deploy: %w", New(PreconditionFailed, "No changes to deploy"))
	if !Is(wrapped, PreconditionFailed) {
		t.Error("Expected wrapped API error to be detected")
	}
}

func TestAbortWritesBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", func(c *gin.Context) {
		Abort(c, New(Forbidden, "Not a member of this tenant"))
	})

	resp := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/", nil)
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", resp.Code)
	}
	var body map[string]string
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["error"] != "Not a member of this tenant" || body["code"] != "FORBIDDEN" {
		t.Errorf("Unexpected body: %v", body)
	}
}
