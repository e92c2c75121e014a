// Package reqctx carries the account and tenant a request acts on, so code far
// from the handler (such as the audit log) can attribute its writes.
package reqctx

import (
	"context"

	"github.com/mattrax/forge/pkg/forge/models"
)

type accountKey struct{}
type tenantKey struct{}

func WithAccount(ctx context.Context, account *models.Account) context.Context {
	return context.WithValue(ctx, accountKey{}, account)
}

// Account returns the signed-in account, if any.
func Account(ctx context.Context) (*models.Account, bool) {
	a, ok := ctx.Value(accountKey{}).(*models.Account)
	return a, ok && a != nil
}

func WithTenant(ctx context.Context, tenant *models.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// Tenant returns the tenant the request is scoped to, if any.
func Tenant(ctx context.Context) (*models.Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(*models.Tenant)
	return t, ok && t != nil
}
