// Package assignables validates and describes the polymorphic (pk, variant)
// references used by group members and policy or application assignees.
package assignables

import (
	"context"
	"fmt"
	"slices"

	"github.com/mattrax/forge/pkg/forge/apierr"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/models"
	"gorm.io/gorm"
)

// Ref points at a user, device or group.
type Ref struct {
	PK      uint           `json:"pk" binding:"required"`
	Variant models.Variant `json:"variant" binding:"required"`
}

// Named is a Ref with the public id and display name of the row it points at.
type Named struct {
	PK      uint           `json:"pk"`
	ID      string         `json:"id"`
	Variant models.Variant `json:"variant"`
	Name    string         `json:"name"`
}

// Request is the body of the add and remove endpoints.
type Request struct {
	Members []Ref `json:"members" binding:"required,min=1,max=500,dive"`
}

func modelFor(v models.Variant) any {
	switch v {
	case models.VariantUser:
		return &models.User{}
	case models.VariantDevice:
		return &models.Device{}
	case models.VariantGroup:
		return &models.Group{}
	}
	return nil
}

func byVariant(refs []Ref) map[models.Variant][]uint {
	out := make(map[models.Variant][]uint)
	for _, r := range refs {
		if !slices.Contains(out[r.Variant], r.PK) {
			out[r.Variant] = append(out[r.Variant], r.PK)
		}
	}
	return out
}

// Validate checks that every ref has one of the allowed variants and points at
// a row of the tenant.
func Validate(ctx context.Context, db *gorm.DB, tenantPK uint, refs []Ref, allowed ...models.Variant) error {
	tx := database.Use(ctx, db)
	for variant, pks := range byVariant(refs) {
		if !variant.Valid() || !slices.Contains(allowed, variant) {
			return apierr.New(apierr.BadRequest, fmt.Sprintf("Invalid variant %q", variant))
		}
		var found int64
		if err := tx.Model(modelFor(variant)).
			Where("tenant_pk = ? AND pk IN ?", tenantPK, pks).
			Count(&found).Error; err != nil {
			return err
		}
		if found != int64(len(pks)) {
			return apierr.New(apierr.BadRequest, fmt.Sprintf("Unknown %s", variant))
		}
	}
	return nil
}

type row struct {
	PK   uint
	ID   string
	Name string
}

// Describe resolves refs to names, keeping their order. Refs whose row no
// longer exists are dropped.
func Describe(ctx context.Context, db *gorm.DB, refs []Ref) ([]Named, error) {
	tx := database.Use(ctx, db)
	rows := make(map[models.Variant]map[uint]row)
	for variant, pks := range byVariant(refs) {
		model := modelFor(variant)
		if model == nil {
			continue
		}
		var found []row
		if err := tx.Model(model).Select("pk", "id", "name").Where("pk IN ?", pks).Scan(&found).Error; err != nil {
			return nil, err
		}
		rows[variant] = make(map[uint]row, len(found))
		for _, r := range found {
			rows[variant][r.PK] = r
		}
	}

	out := make([]Named, 0, len(refs))
	for _, ref := range refs {
		r, ok := rows[ref.Variant][ref.PK]
		if !ok {
			continue
		}
		out = append(out, Named{PK: r.PK, ID: r.ID, Variant: ref.Variant, Name: r.Name})
	}
	return out, nil
}

// Remove deletes the rows of model whose owner column equals ownerPK and whose
// (pk, variant) is one of refs.
func Remove(tx *gorm.DB, model any, ownerColumn string, ownerPK uint, refs []Ref) error {
	for variant, pks := range byVariant(refs) {
		if err := tx.Where(ownerColumn+" = ? AND variant = ? AND pk IN ?", ownerPK, variant, pks).
			Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// Unreference removes every assignment and membership that points at rows of
// one variant, for use when those rows are deleted.
func Unreference(tx *gorm.DB, variant models.Variant, pks []uint) error {
	if len(pks) == 0 {
		return nil
	}
	for _, model := range []any{&models.GroupAssignable{}, &models.PolicyAssignable{}, &models.ApplicationAssignable{}} {
		if err := tx.Where("variant = ? AND pk IN ?", variant, pks).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}
