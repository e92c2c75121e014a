package deploy

import (
	"context"
	"slices"

	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/gorm"
)

// Scope is the set of devices and users a policy is assigned to, either
// directly or through a group.
type Scope struct {
	DevicePKs []uint
	UserPKs   []uint
}

// ResolveScope returns the distinct devices and users a policy reaches.
func ResolveScope(ctx context.Context, db *gorm.DB, policyPK uint) (Scope, error) {
	tx := database.Use(ctx, db)

	var assignables []models.PolicyAssignable
	if err := tx.Where("policy_pk = ?", policyPK).Find(&assignables).Error; err != nil {
		return Scope{}, err
	}

	devices := make(map[uint]struct{})
	users := make(map[uint]struct{})
	var groupPKs []uint
	for _, a := range assignables {
		switch a.Variant {
		case models.VariantDevice:
			devices[a.PK] = struct{}{}
		case models.VariantUser:
			users[a.PK] = struct{}{}
		case models.VariantGroup:
			groupPKs = append(groupPKs, a.PK)
		}
	}

	if len(groupPKs) > 0 {
		var members []models.GroupAssignable
		if err := tx.Where("group_pk IN ?", groupPKs).Find(&members).Error; err != nil {
			return Scope{}, err
		}
		for _, m := range members {
			switch m.Variant {
			case models.VariantDevice:
				devices[m.PK] = struct{}{}
			case models.VariantUser:
				users[m.PK] = struct{}{}
			}
		}
	}

	// Assignable rows are not foreign keys, so drop members that no longer
	// exist or belong to another tenant.
	var pol models.Policy
	if err := tx.Select("pk", "tenant_pk").Where("pk = ?", policyPK).First(&pol).Error; err != nil {
		return Scope{}, err
	}

	var scope Scope
	if len(devices) > 0 {
		if err := tx.Model(&models.Device{}).
			Where("pk IN ? AND tenant_pk = ?", keys(devices), pol.TenantPK).
			Order("pk").
			Pluck("pk", &scope.DevicePKs).Error; err != nil {
			return Scope{}, err
		}
	}
	if len(users) > 0 {
		if err := tx.Model(&models.User{}).
			Where("pk IN ? AND tenant_pk = ?", keys(users), pol.TenantPK).
			Order("pk").
			Pluck("pk", &scope.UserPKs).Error; err != nil {
			return Scope{}, err
		}
	}
	return scope, nil
}

// Targets returns the devices a deploy of the policy applies to: devices in
// scope plus every device owned by a user in scope.
func Targets(ctx context.Context, db *gorm.DB, policyPK uint) ([]uint, error) {
	scope, err := ResolveScope(ctx, db, policyPK)
	if err != nil {
		return nil, err
	}
	if len(scope.UserPKs) == 0 {
		return scope.DevicePKs, nil
	}

	var owned []uint
	if err := database.Use(ctx, db).Model(&models.Device{}).
		Where("owner_pk IN ?", scope.UserPKs).
		Pluck("pk", &owned).Error; err != nil {
		return nil, err
	}

	targets := append(slices.Clone(scope.DevicePKs), owned...)
	slices.Sort(targets)
	return slices.Compact(targets), nil
}

func keys(m map[uint]struct{}) []uint {
	out := make([]uint, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
