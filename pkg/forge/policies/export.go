package policies

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/policy"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// maxImportSize bounds an uploaded policy document.
const maxImportSize = 1 << 20

// Export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Document is a policy as exported and imported
type Document struct {
	Name     string      `json:"name" yaml:"name"`
	Priority int         `json:"priority" yaml:"priority"`
	Data     policy.Data `json:"data" yaml:"data"`
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func filename(name, ext string) string {
	base := strings.Trim(unsafeFilename.ReplaceAllString(name, "-"), "-")
	if base == "" {
		base = "policy"
	}
	return base + "." + ext
}

// Export downloads the policy as JSON or YAML
// @Summary Export policy
// @Tags policies
// @Produce json
// @Produce application/yaml
// @Param id path string true "Policy ID"
// @Param format query string false "json or yaml" default(json)
// @Success 200 {object} Document
// @Router /policies/{id}/export [get]
func (h *Handler) Export(c *gin.Context) {
	pol := getPolicy(c)
	doc := Document{Name: pol.Name, Priority: pol.Priority, Data: pol.Data}

	switch format := c.DefaultQuery("format", FormatJSON); format {
	case FormatJSON:
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename(pol.Name, "json")))
		c.JSON(http.StatusOK, doc)
	case FormatYAML:
		out, err := yaml.Marshal(doc)
		if err != nil {
			apierr.Abort(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename(pol.Name, "yaml")))
		c.Data(http.StatusOK, "application/yaml", out)
	default:
		apierr.Abort(c, apierr.New(apierr.BadRequest, "format must be json or yaml"))
	}
}

// parseDocument decodes a JSON or YAML policy document, chosen by content type.
func parseDocument(contentType string, body []byte) (*Document, error) {
	var doc Document
	var err error
	if strings.Contains(contentType, "yaml") {
		err = yaml.Unmarshal(body, &doc)
	} else {
		err = json.Unmarshal(body, &doc)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.BadRequest, "Invalid policy document", err)
	}
	if err := doc.Data.Validate(); err != nil {
		return nil, apierr.New(apierr.BadRequest, err.Error())
	}
	return &doc, nil
}

// Import replaces the policy's data with an uploaded document. The name and
// priority of the document are ignored.
// @Summary Import policy
// @Tags policies
// @Accept json
// @Accept application/yaml
// @Produce json
// @Param id path string true "Policy ID"
// @Param request body Document true "Policy document"
// @Success 200 {object} PolicyResponse
// @Router /policies/{id}/import [post]
func (h *Handler) Import(c *gin.Context) {
	pol := getPolicy(c)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImportSize))
	if err != nil {
		apierr.Abort(c, apierr.Wrap(apierr.BadRequest, "Policy document is too large", err))
		return
	}
	doc, err := parseDocument(c.ContentType(), body)
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	pol.Data = doc.Data
	err = database.Transaction(c.Request.Context(), h.db, func(ctx context.Context, tx *gorm.DB) error {
		if err := h.save(ctx, pol); err != nil {
			return err
		}
		return audit.Record(ctx, tx, audit.ActionImportPolicy, map[string]any{
			"id":    pol.ID,
			"items": doc.Data.Len(),
		})
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	h.Get(c)
}
