package database

import (
	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/models"
	"go.uber.org/zap"
)

// CreateAuditLog records a user action. Audit failures are logged and never
// fail the action itself.
func CreateAuditLog(orgID uint, userID *uint, entity string, entityID uint, action, details string) {
	if DB == nil {
		return
	}
	err := audit.Write(DB, models.AuditLog{
		OrganizationID: orgID,
		UserID:         userID,
		Entity:         entity,
		EntityID:       entityID,
		Action:         action,
		Details:        details,
	})
	if err != nil {
		zap.L().Warn("audit write failed", zap.String("entity", entity), zap.String("action", action), zap.Error(err))
	}
}
