// Package ownership picks the accountable user for engine-created records.
package ownership

import (
	"context"
	"fmt"

	"github.com/vinmnit159/isms-backend/internal/models"
	"gorm.io/gorm"
)

// DefaultPrecedence is the role order owners are drawn from.
var DefaultPrecedence = []models.UserRole{
	models.RoleAdmin,
	models.RoleSecurityOfficer,
	models.RoleEngineer,
}

// Pick returns the first active user by role precedence, lowest id first
// within a role. When no candidate matches, fallback is used if set.
func Pick(users []models.User, precedence []models.UserRole, fallback *uint) (uint, bool) {
	for _, role := range precedence {
		var best *models.User
		for i := range users {
			u := &users[i]
			if u.Role != role || !u.Active {
				continue
			}
			if best == nil || u.ID < best.ID {
				best = u
			}
		}
		if best != nil {
			return best.ID, true
		}
	}
	if fallback != nil && *fallback != 0 {
		return *fallback, true
	}
	return 0, false
}

// Resolve loads the organization's users (including global, unaffiliated
// ones) and applies Pick with DefaultPrecedence.
func Resolve(ctx context.Context, db *gorm.DB, orgID uint, fallback *uint) (*uint, error) {
	var users []models.User
	err := db.WithContext(ctx).
		Where("organization_id IN ?", []uint{orgID, 0}).
		Where("active = ?", true).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("load owner candidates: %w", err)
	}
	id, ok := Pick(users, DefaultPrecedence, fallback)
	if !ok {
		return nil, nil
	}
	return &id, nil
}
