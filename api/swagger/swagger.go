// Package swagger describes the routes registered on the server's gin engine
// as a Swagger 2.0 document and registers it with swag, so gin-swagger can
// serve it under /swagger/doc.json.
package swagger

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/swaggo/swag"
)

const basePath = "/api"

// Default is the document served by gin-swagger.
var Default = New("dev")

func init() {
	swag.Register(swag.Name, Default)
}

type parameter struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
}

type response struct {
	Description string `json:"description"`
}

type operation struct {
	Tags        []string            `json:"tags"`
	OperationID string              `json:"operationId,omitempty"`
	Parameters  []parameter         `json:"parameters,omitempty"`
	Responses   map[string]response `json:"responses"`
}

// Doc is a swag.Swagger whose paths are taken from a gin engine.
type Doc struct {
	mu      sync.RWMutex
	version string
	paths   map[string]map[string]operation
}

// New returns an empty document for the given server version.
func New(version string) *Doc {
	return &Doc{version: version, paths: map[string]map[string]operation{}}
}

// SetVersion sets info.version.
func (d *Doc) SetVersion(version string) {
	d.mu.Lock()
	d.version = version
	d.mu.Unlock()
}

// Describe replaces the documented paths with the routes under /api.
func (d *Doc) Describe(routes gin.RoutesInfo) {
	paths := map[string]map[string]operation{}
	seen := map[string]bool{}

	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	for _, r := range routes {
		if r.Path != basePath && !strings.HasPrefix(r.Path, basePath+"/") {
			continue
		}
		path, params := convertPath(strings.TrimPrefix(r.Path, basePath))
		if path == "" {
			path = "/"
		}
		tag, name := handlerName(r.Handler)
		op := operation{
			Tags:       []string{tag},
			Parameters: params,
			Responses:  map[string]response{"default": {Description: http.StatusText(http.StatusOK)}},
		}
		if id := tag + "." + name; name != "" && !seen[id] {
			seen[id] = true
			op.OperationID = id
		}
		if paths[path] == nil {
			paths[path] = map[string]operation{}
		}
		paths[path][strings.ToLower(r.Method)] = op
	}

	d.mu.Lock()
	d.paths = paths
	d.mu.Unlock()
}

// ReadDoc implements swag.Swagger.
func (d *Doc) ReadDoc() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	doc := map[string]any{
		"swagger": "2.0",
		"info": map[string]any{
			"title":       "Forge API",
			"description": "Administration API for Mattrax device management tenants.",
			"version":     d.version,
			"license": map[string]string{
				"name": "AGPL-3.0",
				"url":  "https://www.gnu.org/licenses/agpl-3.0.html",
			},
		},
		"basePath": basePath,
		"paths":    d.paths,
		"securityDefinitions": map[string]any{
			"BearerAuth": map[string]string{
				"type":        "apiKey",
				"name":        "Authorization",
				"in":          "header",
				"description": `Session token, also accepted from the session cookie. Format: "Bearer {token}"`,
			},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// convertPath rewrites gin's :name and *name segments into {name}.
func convertPath(path string) (string, []parameter) {
	var params []parameter
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if len(s) < 2 || (s[0] != ':' && s[0] != '*') {
			continue
		}
		params = append(params, parameter{Name: s[1:], In: "path", Required: true, Type: "string"})
		segments[i] = "{" + s[1:] + "}"
	}
	return strings.Join(segments, "/"), params
}

// handlerName splits a gin handler name such as
// "github.com/mattrax/forge/pkg/forge/policies.(*Handler).List-fm" into its
// package and method names.
func handlerName(handler string) (string, string) {
	if i := strings.LastIndex(handler, "/"); i >= 0 {
		handler = handler[i+1:]
	}
	pkg, rest, _ := strings.Cut(handler, ".")
	if pkg == "main" {
		pkg = "server"
	}
	if i := strings.LastIndex(rest, "."); i >= 0 {
		rest = rest[i+1:]
	}
	return pkg, strings.TrimSuffix(rest, "-fm")
}
