package identityproviders

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/graph"
	"github.com/mattrax/forge/pkg/forge/metrics"
	"github.com/mattrax/forge/pkg/forge/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoProvider is returned when a tenant has not linked a directory.
var ErrNoProvider = apierr.New(apierr.NotFound, "Tenant has no identity provider")

// Change types sent by Graph change notifications.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// Syncer keeps the users table in step with linked Entra ID directories and
// manages the Graph subscriptions that push changes to us.
type Syncer struct {
	db          *gorm.DB
	graph       graph.Client
	baseURL     string
	clientState string
	logger      *zap.Logger
	metrics     metrics.Recorder
	now         func() time.Time
}

// NewSyncer returns a syncer. baseURL is where Graph delivers notifications and
// clientState is echoed back by Graph so notifications can be authenticated.
func NewSyncer(db *gorm.DB, client graph.Client, baseURL, clientState string, logger *zap.Logger, rec metrics.Recorder) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Syncer{
		db:          db,
		graph:       client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		clientState: clientState,
		logger:      logger,
		metrics:     rec,
		now:         time.Now,
	}
}

// ClientState is the secret Graph notifications must carry.
func (s *Syncer) ClientState() string {
	return s.clientState
}

// Provider returns the identity provider of a tenant.
func (s *Syncer) Provider(ctx context.Context, tenantPK uint) (*models.IdentityProvider, error) {
	var p models.IdentityProvider
	err := database.Use(ctx, s.db).Where("tenant_pk = ?", tenantPK).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoProvider
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProviderByRemoteID finds the provider linked to a remote directory.
func (s *Syncer) ProviderByRemoteID(ctx context.Context, remoteID string) (*models.IdentityProvider, error) {
	var p models.IdentityProvider
	err := database.Use(ctx, s.db).
		Where("provider = ? AND remote_id = ?", models.ProviderEntraID, remoteID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ConnectedDomains lists the domain names connected through a provider.
func (s *Syncer) ConnectedDomains(ctx context.Context, providerPK uint) ([]string, error) {
	var domains []string
	err := database.Use(ctx, s.db).Model(&models.Domain{}).
		Where("identity_provider_pk = ?", providerPK).
		Order("domain").
		Pluck("domain", &domains).Error
	return domains, err
}

// UpsertUsers inserts remote users, or refreshes the name and UPN of users
// already synced from the same provider. A user whose UPN already exists in the
// tenant under another resource id is rebound to the remote user, keeping its
// devices and assignments. Users that would collide with two different rows
// are skipped.
func (s *Syncer) UpsertUsers(ctx context.Context, provider *models.IdentityProvider, users []graph.User) error {
	if len(users) == 0 {
		return nil
	}
	rows := make([]models.User, 0, len(users))
	upns := make(map[string]bool, len(users))
	ids := make(map[string]bool, len(users))
	for _, u := range users {
		if upns[u.UserPrincipalName] || ids[u.ID] {
			s.logger.Warn("skipping duplicate remote user",
				zap.String("resource_id", u.ID),
				zap.String("upn", u.UserPrincipalName))
			continue
		}
		upns[u.UserPrincipalName], ids[u.ID] = true, true

		name := u.DisplayName
		if name == "" {
			name = u.UserPrincipalName
		}
		rows = append(rows, models.User{
			Name:       name,
			UPN:        u.UserPrincipalName,
			TenantPK:   provider.TenantPK,
			ProviderPK: provider.PK,
			ResourceID: u.ID,
		})
	}

	return database.Transaction(ctx, s.db, func(_ context.Context, tx *gorm.DB) error {
		rows, err := s.rebind(tx, provider, rows)
		if err != nil || len(rows) == 0 {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_pk"}, {Name: "resource_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "upn"}),
		}).CreateInBatches(&rows, 200).Error
	})
}

// rebind moves existing users that share a UPN with an incoming row onto the
// incoming resource id, and drops rows that cannot be stored without breaking
// the (upn, tenant) or (provider, resource id) uniqueness.
func (s *Syncer) rebind(tx *gorm.DB, provider *models.IdentityProvider, rows []models.User) ([]models.User, error) {
	upns := make([]string, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		upns = append(upns, r.UPN)
		ids = append(ids, r.ResourceID)
	}

	byUPN := map[string]models.User{}
	byResource := map[string]models.User{}
	for chunk := range slices.Chunk(upns, 500) {
		var existing []models.User
		if err := tx.Where("tenant_pk = ? AND upn IN ?", provider.TenantPK, chunk).Find(&existing).Error; err != nil {
			return nil, err
		}
		for _, u := range existing {
			byUPN[u.UPN] = u
		}
	}
	for chunk := range slices.Chunk(ids, 500) {
		var existing []models.User
		if err := tx.Where("provider_pk = ? AND resource_id IN ?", provider.PK, chunk).Find(&existing).Error; err != nil {
			return nil, err
		}
		for _, u := range existing {
			byResource[u.ResourceID] = u
		}
	}

	kept := rows[:0]
	for _, r := range rows {
		owner, taken := byUPN[r.UPN]
		current, synced := byResource[r.ResourceID]
		switch {
		case !taken || (synced && owner.PK == current.PK):
		case synced:
			s.logger.Warn("skipping remote user whose upn belongs to another user",
				zap.String("resource_id", r.ResourceID),
				zap.String("upn", r.UPN),
				zap.String("user_id", owner.ID))
			continue
		default:
			err := tx.Model(&models.User{}).Where("pk = ?", owner.PK).Updates(map[string]any{
				"provider_pk": r.ProviderPK,
				"resource_id": r.ResourceID,
			}).Error
			if err != nil {
				return nil, err
			}
			s.logger.Info("rebound user to remote resource",
				zap.String("user_id", owner.ID),
				zap.String("upn", r.UPN),
				zap.String("resource_id", r.ResourceID))
		}
		kept = append(kept, r)
	}
	return kept, nil
}

// SyncDomains imports every remote user whose UPN belongs to one of domains.
// It returns the number of users upserted.
func (s *Syncer) SyncDomains(ctx context.Context, provider *models.IdentityProvider, domains []string) (int, error) {
	if len(domains) == 0 {
		return 0, nil
	}
	start := s.now()
	total := 0
	err := s.graph.ListUsers(ctx, provider.RemoteID, func(page []graph.User) error {
		var matched []graph.User
		for _, u := range page {
			if slices.Contains(domains, graph.EmailDomain(u.UserPrincipalName)) {
				matched = append(matched, u)
			}
		}
		if err := s.UpsertUsers(ctx, provider, matched); err != nil {
			return err
		}
		total += len(matched)
		return nil
	})
	s.metrics.ObserveSync(s.now().Sub(start), total, err == nil)
	if err != nil {
		return total, err
	}

	s.logger.Info("synced identity provider users",
		zap.String("remote_id", provider.RemoteID),
		zap.Strings("domains", domains),
		zap.Int("users", total))
	return total, nil
}

// SyncProvider syncs every connected domain of a provider and stamps last_synced.
func (s *Syncer) SyncProvider(ctx context.Context, provider *models.IdentityProvider) (int, error) {
	domains, err := s.ConnectedDomains(ctx, provider.PK)
	if err != nil {
		return 0, err
	}
	n, err := s.SyncDomains(ctx, provider, domains)
	if err != nil {
		return n, err
	}

	now := s.now()
	if err := database.Use(ctx, s.db).Model(&models.IdentityProvider{}).
		Where("pk = ?", provider.PK).
		Update("last_synced", now).Error; err != nil {
		return n, err
	}
	provider.LastSynced = &now
	return n, nil
}

// SyncAll syncs every linked directory. One failing directory does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var providers []models.IdentityProvider
	if err := s.db.WithContext(ctx).Order("pk").Find(&providers).Error; err != nil {
		return err
	}

	var errs error
	for i := range providers {
		if _, err := s.SyncProvider(ctx, &providers[i]); err != nil {
			s.logger.Warn("identity provider sync failed",
				zap.String("remote_id", providers[i].RemoteID),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ApplyUserChange applies a change notification for one remote user. Users
// outside the connected domains are ignored, and users that no longer exist
// remotely are removed.
func (s *Syncer) ApplyUserChange(ctx context.Context, provider *models.IdentityProvider, resourceID, changeType string) error {
	if changeType == ChangeDeleted {
		return s.removeRemoteUser(ctx, provider, resourceID)
	}

	user, err := s.graph.GetUser(ctx, provider.RemoteID, resourceID)
	if errors.Is(err, graph.ErrNotFound) {
		return s.removeRemoteUser(ctx, provider, resourceID)
	}
	if err != nil {
		return err
	}

	domain := graph.EmailDomain(user.UserPrincipalName)
	var connected int64
	if err := database.Use(ctx, s.db).Model(&models.Domain{}).
		Where("identity_provider_pk = ? AND domain = ?", provider.PK, domain).
		Count(&connected).Error; err != nil {
		return err
	}
	if connected == 0 {
		s.logger.Debug("ignoring user outside connected domains",
			zap.String("remote_id", provider.RemoteID),
			zap.String("domain", domain))
		return nil
	}
	return s.UpsertUsers(ctx, provider, []graph.User{*user})
}

func (s *Syncer) removeRemoteUser(ctx context.Context, provider *models.IdentityProvider, resourceID string) error {
	return database.Transaction(ctx, s.db, func(ctx context.Context, tx *gorm.DB) error {
		return deleteUsers(tx, "provider_pk = ? AND resource_id = ?", provider.PK, resourceID)
	})
}

// deleteUsers removes the users matching where along with their group, policy
// and application assignments. Devices they owned are kept without an owner.
func deleteUsers(tx *gorm.DB, where string, args ...any) error {
	users := func() *gorm.DB {
		return tx.Model(&models.User{}).Select("pk").Where(where, args...)
	}

	for _, model := range []any{&models.GroupAssignable{}, &models.PolicyAssignable{}, &models.ApplicationAssignable{}} {
		if err := tx.Where("variant = ? AND pk IN (?)", models.VariantUser, users()).Delete(model).Error; err != nil {
			return err
		}
	}
	if err := tx.Model(&models.Device{}).Where("owner_pk IN (?)", users()).Update("owner_pk", nil).Error; err != nil {
		return err
	}
	return tx.Where(where, args...).Delete(&models.User{}).Error
}

// Subscribe creates the /users change subscription for a remote directory.
func (s *Syncer) Subscribe(ctx context.Context, remoteID string) (*graph.Subscription, error) {
	return s.graph.CreateSubscription(ctx, remoteID, graph.UserSubscription(s.baseURL, s.clientState, s.now()))
}

// RenewSubscription pushes a subscription's expiry out by a full lifetime.
func (s *Syncer) RenewSubscription(ctx context.Context, remoteID, subscriptionID string) error {
	return s.graph.RenewSubscription(ctx, remoteID, subscriptionID, s.now().Add(graph.SubscriptionLifetime))
}

// RemoveSubscriptions deletes every subscription of a remote directory. All
// deletions are attempted and their failures combined.
func (s *Syncer) RemoveSubscriptions(ctx context.Context, remoteID string) error {
	subs, err := s.graph.ListSubscriptions(ctx, remoteID)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(4)
	for _, sub := range subs {
		g.Go(func() error {
			if err := s.graph.DeleteSubscription(ctx, remoteID, sub.ID); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// RenewExpiring renews the subscriptions that point at this server and expire
// within the given window.
func (s *Syncer) RenewExpiring(ctx context.Context, within time.Duration) error {
	var providers []models.IdentityProvider
	if err := s.db.WithContext(ctx).Order("pk").Find(&providers).Error; err != nil {
		return err
	}

	deadline := s.now().Add(within)
	var errs error
	for _, p := range providers {
		subs, err := s.graph.ListSubscriptions(ctx, p.RemoteID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, sub := range subs {
			if !strings.HasPrefix(sub.NotificationURL, s.baseURL+"/") || sub.ExpirationDateTime.After(deadline) {
				continue
			}
			if err := s.RenewSubscription(ctx, p.RemoteID, sub.ID); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			s.logger.Info("renewed graph subscription",
				zap.String("remote_id", p.RemoteID),
				zap.String("subscription_id", sub.ID))
		}
	}
	return errs
}
