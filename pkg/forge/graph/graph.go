// Package graph talks to Microsoft Graph on behalf of a linked Entra ID tenant.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope     = "https://graph.microsoft.com/.default"

	// SubscriptionLifetime is how long user change subscriptions are requested for.
	SubscriptionLifetime = 25 * 24 * time.Hour
)

// ErrNotFound is returned when Graph reports Request_ResourceNotFound or a 404.
var ErrNotFound = errors.New("graph: resource not found")

// User is the subset of a Graph user that is synced.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Domain is a domain registered in the remote directory.
type Domain struct {
	ID         string `json:"id"`
	IsVerified bool   `json:"isVerified"`
}

// Subscription is a Graph change notification subscription.
type Subscription struct {
	ID                       string    `json:"id,omitempty"`
	ChangeType               string    `json:"changeType"`
	NotificationURL          string    `json:"notificationUrl"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	Resource                 string    `json:"resource"`
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
	ClientState              string    `json:"clientState,omitempty"`
}

// Client is the Graph API surface the server uses. All calls act on the
// remote directory identified by tenantID using application permissions.
type Client interface {
	VerifiedDomains(ctx context.Context, tenantID string) ([]string, error)
	ListUsers(ctx context.Context, tenantID string, page func([]User) error) error
	GetUser(ctx context.Context, tenantID, userID string) (*User, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error)
	CreateSubscription(ctx context.Context, tenantID string, sub Subscription) (*Subscription, error)
	RenewSubscription(ctx context.Context, tenantID, id string, expires time.Time) error
	DeleteSubscription(ctx context.Context, tenantID, id string) error
}

// HTTPClient implements Client with the client credentials flow.
type HTTPClient struct {
	clientID     string
	clientSecret string
	baseURL      string
	tokenURL     func(tenantID string) string

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithBaseURL points the client at another Graph endpoint, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *HTTPClient) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithTokenURL overrides the token endpoint of each tenant.
func WithTokenURL(fn func(tenantID string) string) Option {
	return func(c *HTTPClient) { c.tokenURL = fn }
}

func NewHTTPClient(clientID, clientSecret string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      DefaultBaseURL,
		tokenURL: func(tenantID string) string {
			return microsoft.AzureADEndpoint(tenantID).TokenURL
		},
		sources: make(map[string]oauth2.TokenSource),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// httpClient returns a client authenticated as the application in tenantID.
// Token sources are cached per tenant so tokens are reused until they expire.
func (c *HTTPClient) httpClient(ctx context.Context, tenantID string) *http.Client {
	c.mu.Lock()
	ts, ok := c.sources[tenantID]
	if !ok {
		conf := clientcredentials.Config{
			ClientID:     c.clientID,
			ClientSecret: c.clientSecret,
			TokenURL:     c.tokenURL(tenantID),
			Scopes:       []string{graphScope},
		}
		ts = conf.TokenSource(context.Background())
		c.sources[tenantID] = ts
	}
	c.mu.Unlock()
	return oauth2.NewClient(ctx, ts)
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, tenantID, method, path string, body, out any) error {
	target := path
	if !strings.HasPrefix(path, "https://") && !strings.HasPrefix(path, "http://") {
		target = c.baseURL + path
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient(ctx, tenantID).Do(req)
	if err != nil {
		return fmt.Errorf("graph %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var ge graphError
		_ = json.NewDecoder(resp.Body).Decode(&ge)
		if resp.StatusCode == http.StatusNotFound || ge.Error.Code == "Request_ResourceNotFound" {
			return ErrNotFound
		}
		return fmt.Errorf("graph %s %s: status %d: %s", method, path, resp.StatusCode, ge.Error.Message)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) VerifiedDomains(ctx context.Context, tenantID string) ([]string, error) {
	var resp struct {
		Value []Domain `json:"value"`
	}
	if err := c.do(ctx, tenantID, http.MethodGet, "/domains", nil, &resp); err != nil {
		return nil, err
	}
	var out []string
	for _, d := range resp.Value {
		if d.IsVerified {
			out = append(out, d.ID)
		}
	}
	return out, nil
}

// ListUsers walks every page of the directory's users.
func (c *HTTPClient) ListUsers(ctx context.Context, tenantID string, page func([]User) error) error {
	next := "/users?" + url.Values{
		"$select": {"id,displayName,userPrincipalName"},
		"$top":    {"500"},
	}.Encode()

	for next != "" {
		var resp struct {
			Value    []User `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, tenantID, http.MethodGet, next, nil, &resp); err != nil {
			return err
		}
		if len(resp.Value) == 0 {
			return nil
		}
		if err := page(resp.Value); err != nil {
			return err
		}
		next = resp.NextLink
	}
	return nil
}

func (c *HTTPClient) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	var u User
	path := "/users/" + url.PathEscape(userID) + "?$select=id,displayName,userPrincipalName"
	if err := c.do(ctx, tenantID, http.MethodGet, path, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *HTTPClient) ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error) {
	var resp struct {
		Value []Subscription `json:"value"`
	}
	if err := c.do(ctx, tenantID, http.MethodGet, "/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *HTTPClient) CreateSubscription(ctx context.Context, tenantID string, sub Subscription) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, tenantID, http.MethodPost, "/subscriptions", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RenewSubscription(ctx context.Context, tenantID, id string, expires time.Time) error {
	body := map[string]time.Time{"expirationDateTime": expires}
	return c.do(ctx, tenantID, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), body, nil)
}

func (c *HTTPClient) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	return c.do(ctx, tenantID, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// UserSubscription is the subscription created for every linked directory.
func UserSubscription(baseURL, clientState string, now time.Time) Subscription {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return Subscription{
		ChangeType:               "created,updated,deleted",
		NotificationURL:          baseURL + "/api/webhook/microsoft-graph",
		LifecycleNotificationURL: baseURL + "/api/webhook/microsoft-graph/lifecycle",
		Resource:                 "/users",
		ExpirationDateTime:       now.Add(SubscriptionLifetime).UTC(),
		ClientState:              clientState,
	}
}

// EmailDomain returns the part of a UPN or email after the last @.
func EmailDomain(upn string) string {
	i := strings.LastIndex(upn, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(upn[i+1:])
}
