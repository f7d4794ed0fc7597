package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enum constants. "cancelled" is the terminal soft-delete
// state: the row and its invoice number survive for GoB audit purposes,
// default listings just hide it.
const (
	InvoiceStatusDraft            = "draft"
	InvoiceStatusOpen             = "open"
	InvoiceStatusPaid             = "paid"
	InvoiceStatusPartiallyPaid    = "partially_paid"
	InvoiceStatusInsurancePending = "insurance_pending"
	InvoiceStatusCancelled        = "cancelled"
)

// statusTransitions lists the allowed status changes. Anything absent is
// rejected, notably every transition out of cancelled and paid → open.
var statusTransitions = map[string][]string{
	InvoiceStatusDraft: {InvoiceStatusOpen},
	InvoiceStatusOpen:  {InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusPaid:  {InvoiceStatusCancelled},
}

// CanTransition reports whether an invoice may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known invoice status.
func IsValidStatus(s string) bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusOpen, InvoiceStatusPaid,
		InvoiceStatusPartiallyPaid, InvoiceStatusInsurancePending, InvoiceStatusCancelled:
		return true
	}
	return false
}

// FormatInvoiceNumber renders an allocated sequence value as the external
// invoice number, e.g. "2025-0042". Counters past 9999 simply widen.
func FormatInvoiceNumber(year int, n int64) string {
	return fmt.Sprintf("%d-%04d", year, n)
}

// InvoiceSequence is the per-(organization, year) counter row backing
// gapless invoice numbering. Rows are created lazily on first allocation,
// incremented on every allocation, and never deleted. last_number only
// ever grows.
type InvoiceSequence struct {
	OrganizationID int64 `gorm:"primaryKey;autoIncrement:false" json:"organization_id"`
	Year           int   `gorm:"primaryKey;autoIncrement:false" json:"year"`
	LastNumber     int64 `gorm:"not null;default:0" json:"last_number"`
}

func (InvoiceSequence) TableName() string {
	return "invoice_sequences"
}

// Invoice is the aggregate root for billing. Subtotal, VATAmount and Total
// are derived from the item set inside every mutating transaction; they are
// never trusted from the client. InvoiceNumber is immutable once assigned.
type Invoice struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OrganizationID int64      `gorm:"not null;default:1;uniqueIndex:idx_invoices_org_number" json:"organization_id"`
	CustomerID     uint       `gorm:"not null;index" json:"customer_id"`
	Customer       *Customer  `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	InvoiceNumber  string     `gorm:"type:varchar(20);not null;uniqueIndex:idx_invoices_org_number" json:"invoice_number"`
	InvoiceDate    time.Time  `gorm:"type:date;not null;index" json:"invoice_date"`
	DueDate        *time.Time `gorm:"type:date" json:"due_date"`

	// Prescription at time of sale, frozen as JSON
	PrescriptionSnapshot string `gorm:"type:jsonb" json:"prescription_snapshot"`

	// Insurance settlement (Krankenkasse)
	InsuranceProvider       string           `gorm:"type:varchar(100)" json:"insurance_provider"`
	InsuranceClaimNumber    string           `gorm:"type:varchar(50)" json:"insurance_claim_number"`
	InsuranceCoverageAmount *decimal.Decimal `gorm:"type:decimal(12,2)" json:"insurance_coverage_amount"`
	PatientCopayAmount      *decimal.Decimal `gorm:"type:decimal(12,2)" json:"patient_copay_amount"`

	Subtotal  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	VATAmount decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"vat_amount"`
	Total     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`

	Status        string        `gorm:"type:varchar(20);not null;default:'open';index" json:"status"`
	PaymentMethod string        `gorm:"type:varchar(50)" json:"payment_method"`
	Notes         string        `gorm:"type:varchar(1000)" json:"notes"`
	Items         []InvoiceItem `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// InvoiceItem is a billed line. ProductSnapshot freezes the sale-relevant
// product fields, so LineTotal stays valid even if the referenced product
// is repriced or deleted later. LineTotal = quantity × unit_price − discount,
// computed at write time only.
type InvoiceItem struct {
	ID        uint  `gorm:"primaryKey" json:"id"`
	InvoiceID uint  `gorm:"not null;index" json:"invoice_id"`
	ProductID *uint `gorm:"index" json:"product_id"` // nullable: product may be gone

	ProductSnapshot    string `gorm:"type:jsonb;not null" json:"product_snapshot"`
	PrescriptionValues string `gorm:"type:jsonb" json:"prescription_values"`

	Quantity         int             `gorm:"not null" json:"quantity"`
	UnitPrice        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`
	DiscountAmount   decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"discount_amount"`
	VATRate          decimal.Decimal `gorm:"type:decimal(5,4);not null" json:"vat_rate"`
	LineTotal        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"line_total"`
	InsuranceCovered bool            `gorm:"default:false" json:"insurance_covered"`
	CreatedAt        time.Time       `json:"created_at"`
}
