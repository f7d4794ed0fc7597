package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"backend/internal/model"
	"backend/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// totalEpsilon is the tolerance when verifying client-computed totals.
const totalEpsilon = "0.01"

// --- DTOs ---

type InvoiceItemRequest struct {
	ProductID          *uint           `json:"product_id"`
	ProductSnapshot    json.RawMessage `json:"product_snapshot" binding:"required"`
	PrescriptionValues json.RawMessage `json:"prescription_values"`
	Quantity           int             `json:"quantity" binding:"required,gt=0"`
	UnitPrice          string          `json:"unit_price" binding:"required"`
	DiscountAmount     string          `json:"discount_amount"`
	VATRate            string          `json:"vat_rate" binding:"required"`
	InsuranceCovered   bool            `json:"insurance_covered"`
}

type CreateInvoiceRequest struct {
	OrganizationID          int64                `json:"organization_id"`
	CustomerID              uint                 `json:"customer_id" binding:"required"`
	InvoiceDate             string               `json:"invoice_date"` // YYYY-MM-DD, defaults to today
	DueDate                 string               `json:"due_date"`
	Status                  string               `json:"status" binding:"omitempty,oneof=draft open"`
	PrescriptionSnapshot    json.RawMessage      `json:"prescription_snapshot"`
	InsuranceProvider       string               `json:"insurance_provider"`
	InsuranceClaimNumber    string               `json:"insurance_claim_number"`
	InsuranceCoverageAmount string               `json:"insurance_coverage_amount"`
	PatientCopayAmount      string               `json:"patient_copay_amount"`
	PaymentMethod           string               `json:"payment_method"`
	Notes                   string               `json:"notes"`
	Subtotal                string               `json:"subtotal"` // client-computed, verified against server totals
	VATAmount               string               `json:"vat_amount"`
	Total                   string               `json:"total"`
	Items                   []InvoiceItemRequest `json:"items" binding:"required,min=1,dive"`
}

// UpdateInvoiceRequest edits header fields only. Totals and invoice_number
// are never client-settable; totals change exclusively through item mutations.
type UpdateInvoiceRequest struct {
	DueDate                 *string         `json:"due_date"`
	PrescriptionSnapshot    json.RawMessage `json:"prescription_snapshot"`
	InsuranceProvider       *string         `json:"insurance_provider"`
	InsuranceClaimNumber    *string         `json:"insurance_claim_number"`
	InsuranceCoverageAmount *string         `json:"insurance_coverage_amount"`
	PatientCopayAmount      *string         `json:"patient_copay_amount"`
	PaymentMethod           *string         `json:"payment_method"`
	Notes                   *string         `json:"notes"`
}

type UpdateInvoiceItemRequest struct {
	ProductID          *uint           `json:"product_id"`
	ProductSnapshot    json.RawMessage `json:"product_snapshot"`
	PrescriptionValues json.RawMessage `json:"prescription_values"`
	Quantity           *int            `json:"quantity"`
	UnitPrice          *string         `json:"unit_price"`
	DiscountAmount     *string         `json:"discount_amount"`
	VATRate            *string         `json:"vat_rate"`
	InsuranceCovered   *bool           `json:"insurance_covered"`
}

type InvoiceFilter struct {
	OrganizationID   int64
	Status           string
	CustomerID       uint
	Search           string
	DateFrom         string // YYYY-MM-DD
	DateTo           string
	IncludeCancelled bool
	SortBy           string
	SortOrder        string
	Page             int
	Limit            int
}

type InvoiceItemResponse struct {
	ID                 uint            `json:"id"`
	InvoiceID          uint            `json:"invoice_id"`
	ProductID          *uint           `json:"product_id"`
	ProductSnapshot    json.RawMessage `json:"product_snapshot"`
	PrescriptionValues json.RawMessage `json:"prescription_values,omitempty"`
	Quantity           int             `json:"quantity"`
	UnitPrice          string          `json:"unit_price"`
	DiscountAmount     string          `json:"discount_amount"`
	VATRate            string          `json:"vat_rate"`
	LineTotal          string          `json:"line_total"`
	InsuranceCovered   bool            `json:"insurance_covered"`
}

type InvoiceCustomerResponse struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Email     *string `json:"email"`
}

type InvoiceResponse struct {
	ID                      uint                     `json:"id"`
	OrganizationID          int64                    `json:"organization_id"`
	CustomerID              uint                     `json:"customer_id"`
	Customer                *InvoiceCustomerResponse `json:"customer,omitempty"`
	InvoiceNumber           string                   `json:"invoice_number"`
	InvoiceDate             string                   `json:"invoice_date"`
	DueDate                 *string                  `json:"due_date"`
	PrescriptionSnapshot    json.RawMessage          `json:"prescription_snapshot,omitempty"`
	InsuranceProvider       string                   `json:"insurance_provider,omitempty"`
	InsuranceClaimNumber    string                   `json:"insurance_claim_number,omitempty"`
	InsuranceCoverageAmount *string                  `json:"insurance_coverage_amount"`
	PatientCopayAmount      *string                  `json:"patient_copay_amount"`
	Subtotal                string                   `json:"subtotal"`
	VATAmount               string                   `json:"vat_amount"`
	Total                   string                   `json:"total"`
	Status                  string                   `json:"status"`
	PaymentMethod           string                   `json:"payment_method,omitempty"`
	Notes                   string                   `json:"notes,omitempty"`
	Items                   []InvoiceItemResponse    `json:"items"`
	CreatedAt               string                   `json:"created_at"`
	UpdatedAt               string                   `json:"updated_at"`
}

// --- Interface ---

// InvoiceService is the only write path for invoices and their items
// (the mutation gateway). Every mutation recomputes the parent invoice's
// totals inside the same transaction, so no reader ever observes an
// invoice whose totals disagree with its item set.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest, userID string) (InvoiceResponse, error)
	GetInvoice(ctx context.Context, organizationID int64, id uint) (InvoiceResponse, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]InvoiceResponse, int64, error)
	UpdateInvoice(ctx context.Context, organizationID int64, id uint, req UpdateInvoiceRequest, userID string) (InvoiceResponse, error)
	UpdateInvoiceStatus(ctx context.Context, organizationID int64, id uint, newStatus string, userID string) (InvoiceResponse, error)
	AddItem(ctx context.Context, organizationID int64, invoiceID uint, req InvoiceItemRequest, userID string) (InvoiceResponse, error)
	UpdateItem(ctx context.Context, organizationID int64, invoiceID, itemID uint, req UpdateInvoiceItemRequest, userID string) (InvoiceResponse, error)
	RemoveItem(ctx context.Context, organizationID int64, invoiceID, itemID uint, userID string) (InvoiceResponse, error)
}

// Broadcaster pushes serialized events to connected frontend clients.
// Optional: a nil Broadcaster disables pushes (tests, CLI tools).
type Broadcaster interface {
	GetBroadcast() chan []byte
}

type invoiceService struct {
	invoiceRepo  repository.InvoiceRepository
	customerRepo repository.CustomerRepository
	sequenceRepo repository.SequenceRepository
	auditRepo    repository.AuditRepository
	txManager    repository.TransactionManager
	hub          Broadcaster
}

func NewInvoiceService(
	invoiceRepo repository.InvoiceRepository,
	customerRepo repository.CustomerRepository,
	sequenceRepo repository.SequenceRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	hub Broadcaster,
) InvoiceService {
	return &invoiceService{
		invoiceRepo:  invoiceRepo,
		customerRepo: customerRepo,
		sequenceRepo: sequenceRepo,
		auditRepo:    auditRepo,
		txManager:    txManager,
		hub:          hub,
	}
}

// --- Money helpers ---

// roundMoney rounds to 2 decimal places, half away from zero
// (kaufmännisches Runden). Applied consistently everywhere totals are
// derived, so recomputing the same item set always yields identical values.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func parseAmount(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid %s %q", ErrValidation, field, value)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s must not be negative", ErrValidation, field)
	}
	return d, nil
}

// jsonOrNull normalizes an optional JSON payload for a jsonb column: the
// empty string is not valid JSON there, so absence is stored as JSON null.
func jsonOrNull(raw string) string {
	if raw == "" {
		return "null"
	}
	return raw
}

func presentJSON(raw string) bool {
	return raw != "" && raw != "null"
}

func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid %s %q, expected YYYY-MM-DD", ErrValidation, field, value)
	}
	return t, nil
}

// buildItem validates an item request and derives its line total:
// quantity × unit_price − discount, frozen at write time. The snapshot is
// the source of the price; the live product is never consulted again.
func buildItem(req InvoiceItemRequest) (model.InvoiceItem, error) {
	if req.Quantity < 1 {
		return model.InvoiceItem{}, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}
	if len(req.ProductSnapshot) == 0 {
		return model.InvoiceItem{}, fmt.Errorf("%w: product_snapshot is required", ErrValidation)
	}
	if !json.Valid(req.ProductSnapshot) {
		return model.InvoiceItem{}, fmt.Errorf("%w: product_snapshot is not valid JSON", ErrValidation)
	}
	if len(req.PrescriptionValues) > 0 && !json.Valid(req.PrescriptionValues) {
		return model.InvoiceItem{}, fmt.Errorf("%w: prescription_values is not valid JSON", ErrValidation)
	}

	unitPrice, err := parseAmount("unit_price", req.UnitPrice)
	if err != nil {
		return model.InvoiceItem{}, err
	}

	discount := decimal.Zero
	if req.DiscountAmount != "" {
		discount, err = parseAmount("discount_amount", req.DiscountAmount)
		if err != nil {
			return model.InvoiceItem{}, err
		}
	}

	vatRate, err := parseAmount("vat_rate", req.VATRate)
	if err != nil {
		return model.InvoiceItem{}, err
	}
	if vatRate.GreaterThan(decimal.NewFromInt(1)) {
		return model.InvoiceItem{}, fmt.Errorf("%w: vat_rate must be between 0 and 1", ErrValidation)
	}

	gross := unitPrice.Mul(decimal.NewFromInt(int64(req.Quantity)))
	if discount.GreaterThan(gross) {
		return model.InvoiceItem{}, fmt.Errorf("%w: discount_amount exceeds line amount", ErrValidation)
	}

	return model.InvoiceItem{
		ProductID:          req.ProductID,
		ProductSnapshot:    string(req.ProductSnapshot),
		PrescriptionValues: jsonOrNull(string(req.PrescriptionValues)),
		Quantity:           req.Quantity,
		UnitPrice:          unitPrice,
		DiscountAmount:     discount,
		VATRate:            vatRate,
		LineTotal:          roundMoney(gross.Sub(discount)),
		InsuranceCovered:   req.InsuranceCovered,
	}, nil
}

// computeTotals derives subtotal, VAT amount and total from the item set.
// An empty item set yields all zeros, which is a valid state.
func computeTotals(items []model.InvoiceItem) (subtotal, vatAmount, total decimal.Decimal) {
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal)
		vatAmount = vatAmount.Add(item.LineTotal.Mul(item.VATRate))
	}
	subtotal = roundMoney(subtotal)
	vatAmount = roundMoney(vatAmount)
	total = subtotal.Add(vatAmount)
	return subtotal, vatAmount, total
}

// verifySuppliedTotals checks client-computed totals against the server's
// own computation. The client values are untrusted input: a mismatch beyond
// the epsilon rejects the request before anything is written.
func verifySuppliedTotals(req CreateInvoiceRequest, subtotal, vatAmount, total decimal.Decimal) error {
	if req.Subtotal == "" && req.VATAmount == "" && req.Total == "" {
		return nil
	}
	epsilon := decimal.RequireFromString(totalEpsilon)

	check := func(field, supplied string, computed decimal.Decimal) error {
		if supplied == "" {
			return nil
		}
		d, err := parseAmount(field, supplied)
		if err != nil {
			return err
		}
		if d.Sub(computed).Abs().GreaterThan(epsilon) {
			return fmt.Errorf("%w: %s %s differs from computed %s",
				ErrTotalMismatch, field, d.StringFixed(2), computed.StringFixed(2))
		}
		return nil
	}

	if err := check("subtotal", req.Subtotal, subtotal); err != nil {
		return err
	}
	if err := check("vat_amount", req.VATAmount, vatAmount); err != nil {
		return err
	}
	if err := check("total", req.Total, total); err != nil {
		return err
	}

	if req.Subtotal != "" && req.VATAmount != "" && req.Total != "" {
		s := decimal.RequireFromString(req.Subtotal)
		v := decimal.RequireFromString(req.VATAmount)
		t := decimal.RequireFromString(req.Total)
		if t.Sub(s.Add(v)).Abs().GreaterThan(epsilon) {
			return fmt.Errorf("%w: total %s is not subtotal %s + vat_amount %s",
				ErrTotalMismatch, t.StringFixed(2), s.StringFixed(2), v.StringFixed(2))
		}
	}
	return nil
}

// --- Implementation ---

func (s *invoiceService) CreateInvoice(ctx context.Context, req CreateInvoiceRequest, userID string) (InvoiceResponse, error) {
	organizationID := req.OrganizationID
	if organizationID == 0 {
		organizationID = 1
	}

	status := req.Status
	if status == "" {
		status = model.InvoiceStatusOpen
	}
	if status != model.InvoiceStatusDraft && status != model.InvoiceStatusOpen {
		return InvoiceResponse{}, fmt.Errorf("%w: new invoices must be draft or open, got %q", ErrValidation, status)
	}

	invoiceDate := time.Now()
	if req.InvoiceDate != "" {
		parsed, err := parseDate("invoice_date", req.InvoiceDate)
		if err != nil {
			return InvoiceResponse{}, err
		}
		invoiceDate = parsed
	}

	var dueDate *time.Time
	if req.DueDate != "" {
		parsed, err := parseDate("due_date", req.DueDate)
		if err != nil {
			return InvoiceResponse{}, err
		}
		dueDate = &parsed
	}

	customer, err := s.customerRepo.FindByID(ctx, organizationID, req.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return InvoiceResponse{}, fmt.Errorf("%w: customer %d", ErrNotFound, req.CustomerID)
		}
		return InvoiceResponse{}, fmt.Errorf("failed to load customer: %w", err)
	}
	if customer.Status == model.CustomerStatusArchived {
		return InvoiceResponse{}, fmt.Errorf("%w: customer %d is archived", ErrValidation, req.CustomerID)
	}

	if len(req.PrescriptionSnapshot) > 0 && !json.Valid(req.PrescriptionSnapshot) {
		return InvoiceResponse{}, fmt.Errorf("%w: prescription_snapshot is not valid JSON", ErrValidation)
	}

	if len(req.Items) == 0 {
		return InvoiceResponse{}, fmt.Errorf("%w: an invoice needs at least one item", ErrValidation)
	}

	items := make([]model.InvoiceItem, 0, len(req.Items))
	for i, itemReq := range req.Items {
		item, buildErr := buildItem(itemReq)
		if buildErr != nil {
			return InvoiceResponse{}, fmt.Errorf("item %d: %w", i+1, buildErr)
		}
		items = append(items, item)
	}

	subtotal, vatAmount, total := computeTotals(items)
	if total.IsZero() {
		return InvoiceResponse{}, fmt.Errorf("%w: invoice total must not be zero", ErrValidation)
	}
	if err := verifySuppliedTotals(req, subtotal, vatAmount, total); err != nil {
		return InvoiceResponse{}, err
	}

	var coverage, copay *decimal.Decimal
	if req.InsuranceCoverageAmount != "" {
		d, parseErr := parseAmount("insurance_coverage_amount", req.InsuranceCoverageAmount)
		if parseErr != nil {
			return InvoiceResponse{}, parseErr
		}
		coverage = &d
	}
	if req.PatientCopayAmount != "" {
		d, parseErr := parseAmount("patient_copay_amount", req.PatientCopayAmount)
		if parseErr != nil {
			return InvoiceResponse{}, parseErr
		}
		copay = &d
	}

	invoice := model.Invoice{
		OrganizationID:          organizationID,
		CustomerID:              req.CustomerID,
		InvoiceDate:             invoiceDate,
		DueDate:                 dueDate,
		PrescriptionSnapshot:    jsonOrNull(string(req.PrescriptionSnapshot)),
		InsuranceProvider:       req.InsuranceProvider,
		InsuranceClaimNumber:    req.InsuranceClaimNumber,
		InsuranceCoverageAmount: coverage,
		PatientCopayAmount:      copay,
		Subtotal:                subtotal,
		VATAmount:               vatAmount,
		Total:                   total,
		Status:                  status,
		PaymentMethod:           req.PaymentMethod,
		Notes:                   req.Notes,
		Items:                   items,
	}

	// All validation passed; only now touch the counter. Allocation and the
	// invoice write share one transaction, so an abort anywhere below rolls
	// the increment back and the sequence stays gapless.
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		year := invoiceDate.Year()
		n, allocErr := s.sequenceRepo.NextNumber(txCtx, organizationID, year)
		if allocErr != nil {
			return fmt.Errorf("%w: %v", ErrAllocationFailed, allocErr)
		}
		invoice.InvoiceNumber = model.FormatInvoiceNumber(year, n)

		if createErr := s.invoiceRepo.Create(txCtx, &invoice); createErr != nil {
			return fmt.Errorf("failed to create invoice: %w", createErr)
		}

		return s.audit(txCtx, userID, model.ActionCreateInvoice, invoice.InvoiceNumber, customer.FirstName+" "+customer.LastName, map[string]interface{}{
			"invoice_id":  invoice.ID,
			"customer_id": invoice.CustomerID,
			"total":       invoice.Total.StringFixed(2),
			"items":       len(invoice.Items),
		})
	})
	if err != nil {
		return InvoiceResponse{}, err
	}

	reloaded, err := s.invoiceRepo.FindByID(ctx, organizationID, invoice.ID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}

	s.broadcast("invoice.created", reloaded)
	return toInvoiceResponse(*reloaded), nil
}

func (s *invoiceService) GetInvoice(ctx context.Context, organizationID int64, id uint) (InvoiceResponse, error) {
	invoice, err := s.invoiceRepo.FindByID(ctx, organizationID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return InvoiceResponse{}, fmt.Errorf("%w: invoice %d", ErrNotFound, id)
		}
		return InvoiceResponse{}, fmt.Errorf("failed to load invoice: %w", err)
	}
	return toInvoiceResponse(*invoice), nil
}

var invoiceSortFields = map[string]bool{
	"created_at":     true,
	"invoice_date":   true,
	"total":          true,
	"invoice_number": true,
}

func (s *invoiceService) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]InvoiceResponse, int64, error) {
	if filter.OrganizationID == 0 {
		filter.OrganizationID = 1
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Status != "" && !model.IsValidStatus(filter.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	sortBy := filter.SortBy
	if !invoiceSortFields[sortBy] {
		sortBy = "created_at"
	}

	repoFilter := repository.InvoiceListFilter{
		OrganizationID:   filter.OrganizationID,
		Status:           filter.Status,
		CustomerID:       filter.CustomerID,
		Search:           filter.Search,
		IncludeCancelled: filter.IncludeCancelled,
		SortBy:           sortBy,
		SortOrder:        filter.SortOrder,
		Page:             filter.Page,
		Limit:            filter.Limit,
	}
	if filter.DateFrom != "" {
		from, err := parseDate("date_from", filter.DateFrom)
		if err != nil {
			return nil, 0, err
		}
		repoFilter.DateFrom = &from
	}
	if filter.DateTo != "" {
		to, err := parseDate("date_to", filter.DateTo)
		if err != nil {
			return nil, 0, err
		}
		repoFilter.DateTo = &to
	}

	invoices, total, err := s.invoiceRepo.List(ctx, repoFilter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch invoices: %w", err)
	}

	result := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		result = append(result, toInvoiceResponse(inv))
	}
	return result, total, nil
}

func (s *invoiceService) UpdateInvoice(ctx context.Context, organizationID int64, id uint, req UpdateInvoiceRequest, userID string) (InvoiceResponse, error) {
	// Parse the patch up front; only the named header columns are ever
	// written, so totals and the invoice number stay untouchable here.
	updates := map[string]interface{}{}

	if req.DueDate != nil {
		if *req.DueDate == "" {
			updates["due_date"] = nil
		} else {
			parsed, parseErr := parseDate("due_date", *req.DueDate)
			if parseErr != nil {
				return InvoiceResponse{}, parseErr
			}
			updates["due_date"] = parsed
		}
	}
	if len(req.PrescriptionSnapshot) > 0 {
		if !json.Valid(req.PrescriptionSnapshot) {
			return InvoiceResponse{}, fmt.Errorf("%w: prescription_snapshot is not valid JSON", ErrValidation)
		}
		updates["prescription_snapshot"] = string(req.PrescriptionSnapshot)
	}
	if req.InsuranceProvider != nil {
		updates["insurance_provider"] = *req.InsuranceProvider
	}
	if req.InsuranceClaimNumber != nil {
		updates["insurance_claim_number"] = *req.InsuranceClaimNumber
	}
	if req.InsuranceCoverageAmount != nil {
		if *req.InsuranceCoverageAmount == "" {
			updates["insurance_coverage_amount"] = nil
		} else {
			d, parseErr := parseAmount("insurance_coverage_amount", *req.InsuranceCoverageAmount)
			if parseErr != nil {
				return InvoiceResponse{}, parseErr
			}
			updates["insurance_coverage_amount"] = d
		}
	}
	if req.PatientCopayAmount != nil {
		if *req.PatientCopayAmount == "" {
			updates["patient_copay_amount"] = nil
		} else {
			d, parseErr := parseAmount("patient_copay_amount", *req.PatientCopayAmount)
			if parseErr != nil {
				return InvoiceResponse{}, parseErr
			}
			updates["patient_copay_amount"] = d
		}
	}
	if req.PaymentMethod != nil {
		updates["payment_method"] = *req.PaymentMethod
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}

	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, loadErr := s.invoiceRepo.FindByIDForUpdate(txCtx, organizationID, id)
		if loadErr != nil {
			if errors.Is(loadErr, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invoice %d", ErrNotFound, id)
			}
			return fmt.Errorf("failed to load invoice: %w", loadErr)
		}
		if invoice.Status == model.InvoiceStatusCancelled {
			return fmt.Errorf("%w: cancelled invoices cannot be modified", ErrValidation)
		}
		if len(updates) > 0 {
			if updateErr := s.invoiceRepo.UpdateColumns(txCtx, invoice.ID, updates); updateErr != nil {
				return fmt.Errorf("failed to update invoice: %w", updateErr)
			}
		}
		return s.audit(txCtx, userID, model.ActionUpdateInvoice, invoice.InvoiceNumber, "", map[string]interface{}{
			"invoice_id": invoice.ID,
		})
	})
	if err != nil {
		return InvoiceResponse{}, err
	}

	return s.reload(ctx, organizationID, id)
}

func (s *invoiceService) UpdateInvoiceStatus(ctx context.Context, organizationID int64, id uint, newStatus string, userID string) (InvoiceResponse, error) {
	if !model.IsValidStatus(newStatus) {
		return InvoiceResponse{}, fmt.Errorf("%w: unknown status %q", ErrValidation, newStatus)
	}

	// Load and validate under the row lock so a concurrent transition
	// cannot slip between the check and the write.
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, loadErr := s.invoiceRepo.FindByIDForUpdate(txCtx, organizationID, id)
		if loadErr != nil {
			if errors.Is(loadErr, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invoice %d", ErrNotFound, id)
			}
			return fmt.Errorf("failed to load invoice: %w", loadErr)
		}

		if !model.CanTransition(invoice.Status, newStatus) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, invoice.Status, newStatus)
		}

		if updateErr := s.invoiceRepo.UpdateColumns(txCtx, invoice.ID, map[string]interface{}{
			"status": newStatus,
		}); updateErr != nil {
			return fmt.Errorf("failed to update invoice status: %w", updateErr)
		}
		return s.audit(txCtx, userID, model.ActionUpdateInvoiceStatus, invoice.InvoiceNumber, "", map[string]interface{}{
			"invoice_id": invoice.ID,
			"from":       invoice.Status,
			"to":         newStatus,
		})
	})
	if err != nil {
		return InvoiceResponse{}, err
	}

	reloaded, err := s.invoiceRepo.FindByID(ctx, organizationID, id)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}

	s.broadcast("invoice.status_changed", reloaded)
	return toInvoiceResponse(*reloaded), nil
}

// itemsMutable guards item mutations: totals of paid or cancelled invoices
// are part of the books and must not move.
func itemsMutable(status string) bool {
	return status == model.InvoiceStatusDraft || status == model.InvoiceStatusOpen
}

// lockMutableInvoice loads the invoice under the row lock and checks the
// status while holding it, so an item mutation can never race a cancel or
// payment of the same invoice.
func (s *invoiceService) lockMutableInvoice(txCtx context.Context, organizationID int64, invoiceID uint) (*model.Invoice, error) {
	invoice, err := s.invoiceRepo.FindByIDForUpdate(txCtx, organizationID, invoiceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: invoice %d", ErrNotFound, invoiceID)
		}
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	if !itemsMutable(invoice.Status) {
		return nil, fmt.Errorf("%w: items can only be changed while the invoice is draft or open", ErrValidation)
	}
	return invoice, nil
}

func (s *invoiceService) AddItem(ctx context.Context, organizationID int64, invoiceID uint, req InvoiceItemRequest, userID string) (InvoiceResponse, error) {
	item, err := buildItem(req)
	if err != nil {
		return InvoiceResponse{}, err
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, loadErr := s.lockMutableInvoice(txCtx, organizationID, invoiceID)
		if loadErr != nil {
			return loadErr
		}

		item.InvoiceID = invoice.ID
		if createErr := s.invoiceRepo.CreateItem(txCtx, &item); createErr != nil {
			return fmt.Errorf("failed to add invoice item: %w", createErr)
		}
		if recomputeErr := s.recomputeTotals(txCtx, invoice.ID); recomputeErr != nil {
			return recomputeErr
		}
		return s.audit(txCtx, userID, model.ActionAddInvoiceItem, invoice.InvoiceNumber, "", map[string]interface{}{
			"invoice_id": invoice.ID,
			"item_id":    item.ID,
			"line_total": item.LineTotal.StringFixed(2),
		})
	})
	if err != nil {
		return InvoiceResponse{}, err
	}

	return s.reload(ctx, organizationID, invoiceID)
}

func (s *invoiceService) UpdateItem(ctx context.Context, organizationID int64, invoiceID, itemID uint, req UpdateInvoiceItemRequest, userID string) (InvoiceResponse, error) {
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, loadErr := s.lockMutableInvoice(txCtx, organizationID, invoiceID)
		if loadErr != nil {
			return loadErr
		}

		item, itemErr := s.invoiceRepo.FindItem(txCtx, invoiceID, itemID)
		if itemErr != nil {
			if errors.Is(itemErr, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invoice item %d", ErrNotFound, itemID)
			}
			return fmt.Errorf("failed to load invoice item: %w", itemErr)
		}

		if req.ProductID != nil {
			item.ProductID = req.ProductID
		}
		if len(req.ProductSnapshot) > 0 {
			if !json.Valid(req.ProductSnapshot) {
				return fmt.Errorf("%w: product_snapshot is not valid JSON", ErrValidation)
			}
			item.ProductSnapshot = string(req.ProductSnapshot)
		}
		if len(req.PrescriptionValues) > 0 {
			if !json.Valid(req.PrescriptionValues) {
				return fmt.Errorf("%w: prescription_values is not valid JSON", ErrValidation)
			}
			item.PrescriptionValues = string(req.PrescriptionValues)
		}
		if req.Quantity != nil {
			if *req.Quantity < 1 {
				return fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
			}
			item.Quantity = *req.Quantity
		}
		if req.UnitPrice != nil {
			d, parseErr := parseAmount("unit_price", *req.UnitPrice)
			if parseErr != nil {
				return parseErr
			}
			item.UnitPrice = d
		}
		if req.DiscountAmount != nil {
			d, parseErr := parseAmount("discount_amount", *req.DiscountAmount)
			if parseErr != nil {
				return parseErr
			}
			item.DiscountAmount = d
		}
		if req.VATRate != nil {
			d, parseErr := parseAmount("vat_rate", *req.VATRate)
			if parseErr != nil {
				return parseErr
			}
			if d.GreaterThan(decimal.NewFromInt(1)) {
				return fmt.Errorf("%w: vat_rate must be between 0 and 1", ErrValidation)
			}
			item.VATRate = d
		}
		if req.InsuranceCovered != nil {
			item.InsuranceCovered = *req.InsuranceCovered
		}

		// Re-derive the line total from the updated values
		gross := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if item.DiscountAmount.GreaterThan(gross) {
			return fmt.Errorf("%w: discount_amount exceeds line amount", ErrValidation)
		}
		item.LineTotal = roundMoney(gross.Sub(item.DiscountAmount))

		if updateErr := s.invoiceRepo.UpdateItem(txCtx, item); updateErr != nil {
			return fmt.Errorf("failed to update invoice item: %w", updateErr)
		}
		if recomputeErr := s.recomputeTotals(txCtx, invoice.ID); recomputeErr != nil {
			return recomputeErr
		}
		return s.audit(txCtx, userID, model.ActionUpdateInvoiceItem, invoice.InvoiceNumber, "", map[string]interface{}{
			"invoice_id": invoice.ID,
			"item_id":    item.ID,
			"line_total": item.LineTotal.StringFixed(2),
		})
	})
	if err != nil {
		return InvoiceResponse{}, err
	}

	return s.reload(ctx, organizationID, invoiceID)
}

func (s *invoiceService) RemoveItem(ctx context.Context, organizationID int64, invoiceID, itemID uint, userID string) (InvoiceResponse, error) {
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		invoice, loadErr := s.lockMutableInvoice(txCtx, organizationID, invoiceID)
		if loadErr != nil {
			return loadErr
		}

		if _, itemErr := s.invoiceRepo.FindItem(txCtx, invoiceID, itemID); itemErr != nil {
			if errors.Is(itemErr, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invoice item %d", ErrNotFound, itemID)
			}
			return fmt.Errorf("failed to load invoice item: %w", itemErr)
		}

		if deleteErr := s.invoiceRepo.DeleteItem(txCtx, invoiceID, itemID); deleteErr != nil {
			return fmt.Errorf("failed to delete invoice item: %w", deleteErr)
		}
		if recomputeErr := s.recomputeTotals(txCtx, invoice.ID); recomputeErr != nil {
			return recomputeErr
		}
		return s.audit(txCtx, userID, model.ActionRemoveInvoiceItem, invoice.InvoiceNumber, "", map[string]interface{}{
			"invoice_id": invoice.ID,
			"item_id":    itemID,
		})
	})
	if err != nil {
		return InvoiceResponse{}, err
	}

	return s.reload(ctx, organizationID, invoiceID)
}

// recomputeTotals re-derives the invoice header totals from the current
// item rows. The caller must already hold the invoice row lock in txCtx so
// the item listing sees every committed line, and only the three total
// columns are written.
func (s *invoiceService) recomputeTotals(txCtx context.Context, invoiceID uint) error {
	items, err := s.invoiceRepo.ListItems(txCtx, invoiceID)
	if err != nil {
		return fmt.Errorf("failed to list invoice items: %w", err)
	}
	subtotal, vatAmount, total := computeTotals(items)
	if err := s.invoiceRepo.UpdateColumns(txCtx, invoiceID, map[string]interface{}{
		"subtotal":   subtotal,
		"vat_amount": vatAmount,
		"total":      total,
	}); err != nil {
		return fmt.Errorf("failed to save recomputed totals: %w", err)
	}
	return nil
}

func (s *invoiceService) reload(ctx context.Context, organizationID int64, invoiceID uint) (InvoiceResponse, error) {
	reloaded, err := s.invoiceRepo.FindByID(ctx, organizationID, invoiceID)
	if err != nil {
		return InvoiceResponse{}, fmt.Errorf("failed to reload invoice: %w", err)
	}
	return toInvoiceResponse(*reloaded), nil
}

func (s *invoiceService) audit(txCtx context.Context, userID, action, entityID, entityName string, details map[string]interface{}) error {
	return writeAuditLog(txCtx, s.auditRepo, userID, action, entityID, entityName, details)
}

// broadcast pushes an event to the websocket hub without ever blocking the
// request path: if nobody is draining the channel the event is dropped.
func (s *invoiceService) broadcast(event string, invoice *model.Invoice) {
	if s.hub == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"type":           event,
		"invoice_id":     invoice.ID,
		"invoice_number": invoice.InvoiceNumber,
		"status":         invoice.Status,
		"total":          invoice.Total.StringFixed(2),
	})
	select {
	case s.hub.GetBroadcast() <- payload:
	default:
	}
}

// --- Mapping ---

func toInvoiceItemResponse(item model.InvoiceItem) InvoiceItemResponse {
	resp := InvoiceItemResponse{
		ID:               item.ID,
		InvoiceID:        item.InvoiceID,
		ProductID:        item.ProductID,
		Quantity:         item.Quantity,
		UnitPrice:        item.UnitPrice.StringFixed(2),
		DiscountAmount:   item.DiscountAmount.StringFixed(2),
		VATRate:          item.VATRate.StringFixed(4),
		LineTotal:        item.LineTotal.StringFixed(2),
		InsuranceCovered: item.InsuranceCovered,
	}
	if presentJSON(item.ProductSnapshot) {
		resp.ProductSnapshot = json.RawMessage(item.ProductSnapshot)
	}
	if presentJSON(item.PrescriptionValues) {
		resp.PrescriptionValues = json.RawMessage(item.PrescriptionValues)
	}
	return resp
}

func toInvoiceResponse(inv model.Invoice) InvoiceResponse {
	resp := InvoiceResponse{
		ID:                   inv.ID,
		OrganizationID:       inv.OrganizationID,
		CustomerID:           inv.CustomerID,
		InvoiceNumber:        inv.InvoiceNumber,
		InvoiceDate:          inv.InvoiceDate.Format("2006-01-02"),
		InsuranceProvider:    inv.InsuranceProvider,
		InsuranceClaimNumber: inv.InsuranceClaimNumber,
		Subtotal:             inv.Subtotal.StringFixed(2),
		VATAmount:            inv.VATAmount.StringFixed(2),
		Total:                inv.Total.StringFixed(2),
		Status:               inv.Status,
		PaymentMethod:        inv.PaymentMethod,
		Notes:                inv.Notes,
		Items:                make([]InvoiceItemResponse, 0, len(inv.Items)),
		CreatedAt:            inv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            inv.UpdatedAt.Format(time.RFC3339),
	}
	if inv.DueDate != nil {
		d := inv.DueDate.Format("2006-01-02")
		resp.DueDate = &d
	}
	if presentJSON(inv.PrescriptionSnapshot) {
		resp.PrescriptionSnapshot = json.RawMessage(inv.PrescriptionSnapshot)
	}
	if inv.InsuranceCoverageAmount != nil {
		v := inv.InsuranceCoverageAmount.StringFixed(2)
		resp.InsuranceCoverageAmount = &v
	}
	if inv.PatientCopayAmount != nil {
		v := inv.PatientCopayAmount.StringFixed(2)
		resp.PatientCopayAmount = &v
	}
	if inv.Customer != nil {
		resp.Customer = &InvoiceCustomerResponse{
			FirstName: inv.Customer.FirstName,
			LastName:  inv.Customer.LastName,
			Email:     inv.Customer.Email,
		}
	}
	for _, item := range inv.Items {
		resp.Items = append(resp.Items, toInvoiceItemResponse(item))
	}
	return resp
}

// ParseID converts a path parameter to the numeric id used by the domain
// tables. Shared by the handlers.
func ParseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid id %q", ErrValidation, raw)
	}
	return uint(id), nil
}
