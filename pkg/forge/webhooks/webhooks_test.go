package webhooks

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mattrax/forge/pkg/forge/forgetest"
	"github.com/mattrax/forge/pkg/forge/graph"
	"github.com/mattrax/forge/pkg/forge/identityproviders"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGraph struct {
	users   map[string]graph.User
	created []graph.Subscription
	renewed []string
}

func (f *fakeGraph) VerifiedDomains(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeGraph) ListUsers(ctx context.Context, tenantID string, page func([]graph.User) error) error {
	var all []graph.User
	for _, u := range f.users {
		all = append(all, u)
	}
	return page(all)
}

func (f *fakeGraph) GetUser(ctx context.Context, tenantID, userID string) (*graph.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, graph.ErrNotFound
	}
	return &u, nil
}

func (f *fakeGraph) ListSubscriptions(context.Context, string) ([]graph.Subscription, error) {
	return nil, nil
}

func (f *fakeGraph) CreateSubscription(ctx context.Context, tenantID string, sub graph.Subscription) (*graph.Subscription, error) {
	f.created = append(f.created, sub)
	return &sub, nil
}

func (f *fakeGraph) RenewSubscription(ctx context.Context, tenantID, id string, expires time.Time) error {
	f.renewed = append(f.renewed, id)
	return nil
}

func (f *fakeGraph) DeleteSubscription(context.Context, string, string) error { return nil }

func setup(t *testing.T) (*forgetest.Env, *fakeGraph, *models.IdentityProvider) {
	t.Helper()
	env := forgetest.NewEnv(t)
	fg := &fakeGraph{users: map[string]graph.User{
		"u1": {ID: "u1", DisplayName: "Alice", UserPrincipalName: "alice@acme.com"},
		"u2": {ID: "u2", DisplayName: "Bob", UserPrincipalName: "bob@globex.com"},
	}}
	syncer := identityproviders.NewSyncer(env.DB, fg, "https://forge.example.com", "internal-secret", nil, nil)
	NewHandler(syncer, nil).RegisterRoutes(env.Public)

	_, tenant, _ := env.Setup(t, "owner@forge.dev", "acme")
	provider := &models.IdentityProvider{Provider: models.ProviderEntraID, TenantPK: tenant.PK, RemoteID: "remote-tenant"}
	require.NoError(t, env.DB.Create(provider).Error)
	require.NoError(t, env.DB.Create(&models.Domain{Domain: "acme.com", TenantPK: tenant.PK, IdentityProviderPK: provider.PK}).Error)
	return env, fg, provider
}

func change(changeType, userID, clientState string) map[string]any {
	return map[string]any{
		"subscriptionId": "sub-1",
		"tenantId":       "remote-tenant",
		"clientState":    clientState,
		"changeType":     changeType,
		"resource":       "Users/" + userID,
		"resourceData": map[string]string{
			"@odata.type": "#Microsoft.Graph.User",
			"@odata.id":   "Users/" + userID,
			"id":          userID,
		},
	}
}

func TestValidationToken(t *testing.T) {
	env, _, _ := setup(t)

	for _, path := range []string{"/api/webhook/microsoft-graph", "/api/webhook/microsoft-graph/lifecycle"} {
		resp := env.Do(http.MethodPost, path+"?validationToken=abc%20123", nil, "")
		forgetest.ExpectStatus(t, resp, http.StatusOK)
		assert.Equal(t, "abc 123", resp.Body.String())
		assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "text/plain"))
	}
}

func TestChangeNotifications(t *testing.T) {
	env, fg, _ := setup(t)

	body := map[string]any{"value": []any{
		change("created", "u1", "internal-secret"),
		change("created", "u2", "internal-secret"),
	}}
	resp := env.Do(http.MethodPost, "/api/webhook/microsoft-graph", body, "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)

	var upns []string
	env.DB.Model(&models.User{}).Pluck("upn", &upns)
	assert.Equal(t, []string{"alice@acme.com"}, upns, "users outside connected domains are skipped")

	fg.users["u1"] = graph.User{ID: "u1", DisplayName: "Alice Smith", UserPrincipalName: "alice@acme.com"}
	resp = env.Do(http.MethodPost, "/api/webhook/microsoft-graph", map[string]any{"value": []any{change("updated", "u1", "internal-secret")}}, "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)
	var alice models.User
	require.NoError(t, env.DB.Where("resource_id = ?", "u1").First(&alice).Error)
	assert.Equal(t, "Alice Smith", alice.Name)

	// Forged notifications are ignored.
	resp = env.Do(http.MethodPost, "/api/webhook/microsoft-graph", map[string]any{"value": []any{change("deleted", "u1", "wrong")}}, "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)
	var count int64
	env.DB.Model(&models.User{}).Count(&count)
	assert.EqualValues(t, 1, count)

	resp = env.Do(http.MethodPost, "/api/webhook/microsoft-graph", map[string]any{"value": []any{change("deleted", "u1", "internal-secret")}}, "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)
	env.DB.Model(&models.User{}).Count(&count)
	assert.Zero(t, count)
}

func TestChangeNotificationUnknownDirectory(t *testing.T) {
	env, _, _ := setup(t)

	n := change("created", "u1", "internal-secret")
	n["tenantId"] = "someone-else"
	resp := env.Do(http.MethodPost, "/api/webhook/microsoft-graph", map[string]any{"value": []any{n}}, "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)

	var count int64
	env.DB.Model(&models.User{}).Count(&count)
	assert.Zero(t, count)

	resp = env.Do(http.MethodPost, "/api/webhook/microsoft-graph", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestLifecycleNotifications(t *testing.T) {
	env, fg, provider := setup(t)

	lifecycle := func(event string) map[string]any {
		return map[string]any{"value": []any{map[string]string{
			"subscriptionId": "sub-1",
			"tenantId":       "remote-tenant",
			"clientState":    "internal-secret",
			"lifecycleEvent": event,
		}}}
	}

	resp := env.Do(http.MethodPost, "/api/webhook/microsoft-graph/lifecycle", lifecycle(LifecycleReauthorizationRequired), "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)
	assert.Equal(t, []string{"sub-1"}, fg.renewed)

	resp = env.Do(http.MethodPost, "/api/webhook/microsoft-graph/lifecycle", lifecycle(LifecycleSubscriptionRemoved), "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)
	require.Len(t, fg.created, 1)
	assert.Equal(t, "/users", fg.created[0].Resource)

	resp = env.Do(http.MethodPost, "/api/webhook/microsoft-graph/lifecycle", lifecycle(LifecycleMissed), "")
	forgetest.ExpectStatus(t, resp, http.StatusAccepted)
	var loaded models.IdentityProvider
	require.NoError(t, env.DB.First(&loaded, provider.PK).Error)
	assert.NotNil(t, loaded.LastSynced)
	var count int64
	env.DB.Model(&models.User{}).Count(&count)
	assert.EqualValues(t, 1, count)
}
