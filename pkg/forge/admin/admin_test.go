package admin

import (
	"net/http"
	"testing"

	"github.com/mattrax/forge/pkg/forge/authz"
	"github.com/mattrax/forge/pkg/forge/forgetest"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, mode authz.Mode) (*forgetest.Env, string, string) {
	t.Helper()
	env := forgetest.NewEnv(t)
	az, err := authz.NewAuthorizer(mode)
	require.NoError(t, err)
	NewHandler(env.DB, az, []string{"mattrax.app"}, nil).RegisterRoutes(env.API)

	operator := env.Account(t, "oscar@mattrax.app")
	customer := env.Account(t, "carol@example.com")
	return env, env.Login(t, operator), env.Login(t, customer)
}

func TestSuperadminTogglesFeatures(t *testing.T) {
	env, operator, _ := setup(t, authz.ModeEnforce)

	resp := env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "visual_editor", Email: "carol@example.com"}, operator)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	assert.Equal(t, []string{"visual_editor"}, forgetest.Decode[FeaturesResponse](t, resp).Features)

	resp = env.Do(http.MethodGet, "/api/admin/features?email=carol@example.com", nil, operator)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	assert.Equal(t, FeaturesResponse{Email: "carol@example.com", Features: []string{"visual_editor"}}, forgetest.Decode[FeaturesResponse](t, resp))

	resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "visual_editor", Email: "carol@example.com"}, operator)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	assert.Empty(t, forgetest.Decode[FeaturesResponse](t, resp).Features)

	var carol models.Account
	require.NoError(t, env.DB.Where("email = ?", "carol@example.com").First(&carol).Error)
	assert.Empty(t, carol.Features)

	resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "Bad Name"}, operator)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "x", Email: "nobody@example.com"}, operator)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCustomerMayOnlyRemoveOwnFeatures(t *testing.T) {
	env, operator, customer := setup(t, authz.ModeEnforce)

	resp := env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "beta"}, customer)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "beta", Email: "carol@example.com"}, operator)
	forgetest.ExpectStatus(t, resp, http.StatusOK)

	resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "beta", Email: "oscar@mattrax.app"}, customer)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "beta"}, customer)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	assert.Empty(t, forgetest.Decode[FeaturesResponse](t, resp).Features)

	resp = env.Do(http.MethodGet, "/api/admin/features?email=carol@example.com", nil, customer)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	resp = env.Do(http.MethodGet, "/api/admin/stats", nil, customer)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestStats(t *testing.T) {
	env, operator, _ := setup(t, authz.ModeEnforce)
	owner := env.Account(t, "owner@forge.dev")
	org := env.Org(t, owner, "acme")
	env.Tenant(t, org, "acme-prod")
	env.Tenant(t, org, "acme-dev")

	resp := env.Do(http.MethodGet, "/api/admin/stats", nil, operator)
	forgetest.ExpectStatus(t, resp, http.StatusOK)
	stats := forgetest.Decode[StatsResponse](t, resp)
	assert.EqualValues(t, 3, stats.Accounts)
	assert.EqualValues(t, 2, stats.ActiveSessions)
	assert.EqualValues(t, 1, stats.Organisations)
	assert.EqualValues(t, 2, stats.Tenants)
	assert.Zero(t, stats.Devices)
}

func TestRelaxedModesKeepFeaturesPrivileged(t *testing.T) {
	for _, mode := range []authz.Mode{authz.ModeShadow, authz.ModeDisabled} {
		t.Run(string(mode), func(t *testing.T) {
			env, operator, customer := setup(t, mode)

			resp := env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "beta", Email: "oscar@mattrax.app"}, customer)
			assert.Equal(t, http.StatusForbidden, resp.Code)

			resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "beta"}, customer)
			assert.Equal(t, http.StatusForbidden, resp.Code)

			resp = env.Do(http.MethodGet, "/api/admin/stats", nil, customer)
			assert.Equal(t, http.StatusForbidden, resp.Code)

			var oscar models.Account
			require.NoError(t, env.DB.Where("email = ?", "oscar@mattrax.app").First(&oscar).Error)
			assert.Empty(t, oscar.Features)

			resp = env.Do(http.MethodPost, "/api/admin/features", ToggleFeatureRequest{Feature: "beta", Email: "carol@example.com"}, operator)
			forgetest.ExpectStatus(t, resp, http.StatusOK)
			assert.Equal(t, []string{"beta"}, forgetest.Decode[FeaturesResponse](t, resp).Features)
		})
	}
}
