package service

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/model"
	"backend/internal/repository"

	"github.com/google/uuid"
)

// writeAuditLog appends one audit trail entry. It is always called inside
// the transaction that performs the change, so the trail and the change
// commit or roll back together. A userID that is not a valid UUID (system
// jobs, tests) is recorded as a null user rather than rejected.
func writeAuditLog(ctx context.Context, auditRepo repository.AuditRepository, userID, action, entityID, entityName string, details map[string]interface{}) error {
	var uid *uuid.UUID
	if userID != "" {
		if parsed, err := uuid.Parse(userID); err == nil {
			uid = &parsed
		}
	}
	payload := "null"
	if details != nil {
		raw, _ := json.Marshal(details)
		payload = string(raw)
	}
	entry := &model.AuditLog{
		UserID:     uid,
		Action:     action,
		EntityID:   entityID,
		EntityName: entityName,
		Details:    payload,
	}
	if err := auditRepo.Log(ctx, entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}
