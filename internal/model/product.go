package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType enum constants
const (
	ProductTypeFrame       = "frame"
	ProductTypeLens        = "lens"
	ProductTypeContactLens = "contact_lens"
	ProductTypeAccessory   = "accessory"
)

// Product is a catalog entry (frame, lens, contact lens, or accessory).
// Invoices embed a snapshot of the sale-relevant fields at billing time,
// so price changes here do not alter past invoices.
type Product struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	OrganizationID int64           `gorm:"not null;default:1;index;uniqueIndex:idx_products_org_sku" json:"organization_id"`
	ProductType    string          `gorm:"type:varchar(20);not null;index" json:"product_type"` // frame, lens, contact_lens, accessory
	SKU            *string         `gorm:"type:varchar(50);uniqueIndex:idx_products_org_sku" json:"sku"`
	Name           string          `gorm:"type:varchar(200);not null" json:"name"`
	Brand          string          `gorm:"type:varchar(100)" json:"brand"`
	Model          string          `gorm:"type:varchar(100)" json:"model"`
	FrameSize      string          `gorm:"type:varchar(20)" json:"frame_size"`  // e.g. 52-18-140
	FrameColor     string          `gorm:"type:varchar(50)" json:"frame_color"`
	LensMaterial   string          `gorm:"type:varchar(100)" json:"lens_material"`
	LensCoating    string          `gorm:"type:jsonb" json:"lens_coating"` // serialized JSON
	Details        string          `gorm:"type:jsonb" json:"details"`      // serialized JSON
	CurrentPrice   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"current_price"`
	VATRate        decimal.Decimal `gorm:"type:decimal(5,4);not null;default:0.19" json:"vat_rate"`

	InsuranceEligible bool      `gorm:"default:false" json:"insurance_eligible"` // kassenfähig
	Active            bool      `gorm:"default:true;index" json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
