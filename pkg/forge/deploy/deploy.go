// Package deploy records immutable snapshots of policies and tracks their
// rollout to devices.
package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/audit"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/metrics"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/mattrax/forge/pkg/forge/policy"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxListLimit caps the number of deploys returned by List.
const MaxListLimit = 100

// Service creates deploys and records their status.
type Service struct {
	db         *gorm.DB
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    metrics.Recorder
}

// NewService returns a deploy service. A nil dispatcher delivers events in
// process to RecordPending.
func NewService(db *gorm.DB, dispatcher Dispatcher, logger *zap.Logger, rec metrics.Recorder) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	s := &Service{db: db, dispatcher: dispatcher, logger: logger, metrics: rec}
	if s.dispatcher == nil {
		s.dispatcher = &LocalDispatcher{Handler: s.RecordPending}
	}
	return s
}

// Latest returns the most recent deploy of a policy, or nil if it was never deployed.
func (s *Service) Latest(ctx context.Context, policyPK uint) (*models.PolicyDeploy, error) {
	var d models.PolicyDeploy
	err := database.Use(ctx, s.db).
		Where("policy_pk = ?", policyPK).
		Order("done_at DESC, pk DESC").
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Pending returns the changes between the last deploy and the policy's current data.
func (s *Service) Pending(ctx context.Context, pol *models.Policy) ([]policy.Change, error) {
	latest, err := s.Latest(ctx, pol.PK)
	if err != nil {
		return nil, err
	}
	var deployed policy.Data
	if latest != nil {
		deployed = latest.Data
	}
	return policy.DiffData(deployed, pol.Data), nil
}

// Create snapshots the policy's data. It fails with PRECONDITION_FAILED when
// nothing changed since the last deploy. The dispatcher is called once the
// deploy has been committed.
func (s *Service) Create(ctx context.Context, pol *models.Policy, tenant *models.Tenant, comment string, authorPK uint) (*models.PolicyDeploy, error) {
	var d *models.PolicyDeploy
	err := database.Transaction(ctx, s.db, func(ctx context.Context, tx *gorm.DB) error {
		changes, err := s.Pending(ctx, pol)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return apierr.New(apierr.PreconditionFailed, "No changes to deploy")
		}

		d = &models.PolicyDeploy{
			PolicyPK: pol.PK,
			Data:     pol.Data,
			Comment:  comment,
			AuthorPK: authorPK,
		}
		if err := tx.Create(d).Error; err != nil {
			return err
		}

		return audit.Record(ctx, tx, audit.ActionDeployPolicy, map[string]any{
			"policyId": pol.ID,
			"deployId": d.ID,
			"changes":  len(changes),
		})
	})
	if err != nil {
		if apierr.Is(err, apierr.PreconditionFailed) {
			s.metrics.IncDeploy("no_changes")
		} else {
			s.metrics.IncDeploy("failed")
		}
		return nil, err
	}
	s.metrics.IncDeploy("created")

	ev := Event{
		DeployID: d.ID,
		DeployPK: d.PK,
		PolicyID: pol.ID,
		PolicyPK: pol.PK,
		TenantID: tenant.ID,
		DoneAt:   d.DoneAt,
	}
	if err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), ev); err != nil {
		// The deploy is recorded; devices pick it up on their next check-in.
		s.logger.Error("failed to dispatch deploy", zap.String("deploy_id", d.ID), zap.Error(err))
	}
	return d, nil
}

// Summary is a deploy in the policy's history.
type Summary struct {
	ID          string    `json:"id"`
	Comment     string    `json:"comment"`
	DoneAt      time.Time `json:"done_at"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
}

// List returns a policy's deploys, newest first.
func (s *Service) List(ctx context.Context, policyPK uint, limit int) ([]Summary, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	out := []Summary{}
	err := database.Use(ctx, s.db).
		Table("policy_deploys").
		Select("policy_deploys.id, policy_deploys.comment, policy_deploys.done_at, accounts.name AS author_name, accounts.email AS author_email").
		Joins("LEFT JOIN accounts ON accounts.pk = policy_deploys.author_pk").
		Where("policy_deploys.policy_pk = ?", policyPK).
		Order("policy_deploys.done_at DESC, policy_deploys.pk DESC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}

// Detail is a single deploy with its data and a count of device statuses.
type Detail struct {
	ID          string                        `json:"id"`
	Comment     string                        `json:"comment"`
	DoneAt      time.Time                     `json:"done_at"`
	Data        policy.Data                   `json:"data"`
	AuthorName  string                        `json:"author_name"`
	AuthorEmail string                        `json:"author_email"`
	Counts      map[models.DeployStatus]int64 `json:"counts"`
}

// Get returns one deploy of a policy.
func (s *Service) Get(ctx context.Context, policyPK uint, deployID string) (*Detail, *models.PolicyDeploy, error) {
	tx := database.Use(ctx, s.db)

	var d models.PolicyDeploy
	if err := tx.Where("id = ? AND policy_pk = ?", deployID, policyPK).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apierr.New(apierr.NotFound, "Deploy not found")
		}
		return nil, nil, err
	}

	detail := &Detail{
		ID:      d.ID,
		Comment: d.Comment,
		DoneAt:  d.DoneAt,
		Data:    d.Data,
		Counts: map[models.DeployStatus]int64{
			models.DeployPending: 0,
			models.DeploySuccess: 0,
			models.DeployFailed:  0,
		},
	}

	var author models.Account
	if err := tx.Select("name", "email").Where("pk = ?", d.AuthorPK).Take(&author).Error; err == nil {
		detail.AuthorName, detail.AuthorEmail = author.Name, author.Email
	}

	var counts []struct {
		Status models.DeployStatus
		N      int64
	}
	if err := tx.Model(&models.PolicyDeployStatus{}).
		Select("status, COUNT(*) AS n").
		Where("deploy_pk = ?", d.PK).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, nil, err
	}
	for _, c := range counts {
		detail.Counts[c.Status] = c.N
	}
	return detail, &d, nil
}

// DeviceStatus is the outcome of a deploy on one device.
type DeviceStatus struct {
	DeviceID   string              `json:"device_id"`
	DeviceName string              `json:"device_name"`
	Status     models.DeployStatus `json:"status"`
	Conflicts  []string            `json:"conflicts,omitempty"`
	DoneAt     time.Time           `json:"done_at"`
}

// Statuses lists the per-device rows of a deploy.
func (s *Service) Statuses(ctx context.Context, deployPK uint) ([]DeviceStatus, error) {
	tx := database.Use(ctx, s.db)

	var rows []models.PolicyDeployStatus
	if err := tx.Where("deploy_pk = ?", deployPK).Order("device_pk").Find(&rows).Error; err != nil {
		return nil, err
	}

	devicePKs := make([]uint, len(rows))
	for i, r := range rows {
		devicePKs[i] = r.DevicePK
	}
	devices := make(map[uint]models.Device)
	if len(devicePKs) > 0 {
		var found []models.Device
		if err := tx.Select("pk", "id", "name").Where("pk IN ?", devicePKs).Find(&found).Error; err != nil {
			return nil, err
		}
		for _, d := range found {
			devices[d.PK] = d
		}
	}

	out := make([]DeviceStatus, 0, len(rows))
	for _, r := range rows {
		device, ok := devices[r.DevicePK]
		if !ok {
			continue
		}
		out = append(out, DeviceStatus{
			DeviceID:   device.ID,
			DeviceName: device.Name,
			Status:     r.Status,
			Conflicts:  r.Conflicts,
			DoneAt:     r.DoneAt,
		})
	}
	return out, nil
}

// ReportStatus records the outcome of a deploy on a device, replacing any
// earlier report for the same device.
func (s *Service) ReportStatus(ctx context.Context, deployID, deviceID string, status models.DeployStatus, conflicts []string) error {
	if !status.Valid() {
		return apierr.New(apierr.BadRequest, "Invalid status")
	}

	err := database.Transaction(ctx, s.db, func(ctx context.Context, tx *gorm.DB) error {
		var d models.PolicyDeploy
		if err := tx.Where("id = ?", deployID).First(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.NotFound, "Deploy not found")
			}
			return err
		}
		var device models.Device
		if err := tx.Where("id = ?", deviceID).First(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.NotFound, "Device not found")
			}
			return err
		}
		var pol models.Policy
		if err := tx.Select("pk", "tenant_pk").Where("pk = ?", d.PolicyPK).First(&pol).Error; err != nil {
			return err
		}
		if pol.TenantPK != device.TenantPK {
			return apierr.New(apierr.BadRequest, "Device is not in the policy's tenant")
		}

		row := models.PolicyDeployStatus{
			DeployPK:  d.PK,
			DevicePK:  device.PK,
			Status:    status,
			Conflicts: conflicts,
			DoneAt:    time.Now(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "deploy_pk"}, {Name: "device_pk"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "conflicts", "done_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return err
	}
	s.metrics.IncDeployStatus(string(status))
	return nil
}

// RecordPending marks every device the deploy targets as pending. Devices that
// already reported are left alone.
func (s *Service) RecordPending(ctx context.Context, ev Event) error {
	targets, err := Targets(ctx, s.db, ev.PolicyPK)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	now := time.Now()
	rows := make([]models.PolicyDeployStatus, len(targets))
	for i, pk := range targets {
		rows[i] = models.PolicyDeployStatus{DeployPK: ev.DeployPK, DevicePK: pk, Status: models.DeployPending, DoneAt: now}
	}
	if err := database.Use(ctx, s.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200).Error; err != nil {
		return err
	}

	s.logger.Debug("recorded pending deploy statuses",
		zap.String("deploy_id", ev.DeployID),
		zap.Int("devices", len(targets)))
	return nil
}
