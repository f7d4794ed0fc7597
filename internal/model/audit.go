package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ActionCreateCustomer  = "CREATE_CUSTOMER"
	ActionUpdateCustomer  = "UPDATE_CUSTOMER"
	ActionArchiveCustomer = "ARCHIVE_CUSTOMER"

	ActionCreateProduct     = "CREATE_PRODUCT"
	ActionUpdateProduct     = "UPDATE_PRODUCT"
	ActionDeactivateProduct = "DEACTIVATE_PRODUCT"

	ActionCreateInvoice       = "CREATE_INVOICE"
	ActionUpdateInvoice       = "UPDATE_INVOICE"
	ActionUpdateInvoiceStatus = "UPDATE_INVOICE_STATUS"
	ActionAddInvoiceItem      = "ADD_INVOICE_ITEM"
	ActionUpdateInvoiceItem   = "UPDATE_INVOICE_ITEM"
	ActionRemoveInvoiceItem   = "REMOVE_INVOICE_ITEM"
)

// AuditLog tracks Who, What, and When for critical system changes
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     *uuid.UUID `gorm:"type:uuid;index" json:"user_id"` // Nullable gracefully if automated job
	User       *User      `gorm:"foreignKey:UserID" json:"user"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string     `gorm:"type:varchar(50);index" json:"entity_id"`        // Reference string (id/number)
	EntityName string     `gorm:"type:varchar(255)" json:"entity_name,omitempty"` // Human readable name
	Details    string     `gorm:"type:jsonb" json:"details"`                      // Serialized JSON payload of the action
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
