package repository

import (
	"context"
	"time"

	"backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InvoiceListFilter narrows ListInvoices. Cancelled invoices are excluded
// unless IncludeCancelled is set or Status explicitly asks for them; they
// stay reachable through FindByID for audit lookups.
type InvoiceListFilter struct {
	OrganizationID   int64
	Status           string
	CustomerID       uint
	Search           string // partial match on invoice_number
	DateFrom         *time.Time
	DateTo           *time.Time
	IncludeCancelled bool
	SortBy           string // validated by the service layer
	SortOrder        string
	Page             int
	Limit            int
}

type InvoiceRepository interface {
	Create(ctx context.Context, invoice *model.Invoice) error
	FindByID(ctx context.Context, organizationID int64, id uint) (*model.Invoice, error)
	FindByIDForUpdate(ctx context.Context, organizationID int64, id uint) (*model.Invoice, error)
	List(ctx context.Context, filter InvoiceListFilter) ([]model.Invoice, int64, error)
	UpdateColumns(ctx context.Context, id uint, values map[string]interface{}) error

	CreateItem(ctx context.Context, item *model.InvoiceItem) error
	UpdateItem(ctx context.Context, item *model.InvoiceItem) error
	DeleteItem(ctx context.Context, invoiceID, itemID uint) error
	FindItem(ctx context.Context, invoiceID, itemID uint) (*model.InvoiceItem, error)
	ListItems(ctx context.Context, invoiceID uint) ([]model.InvoiceItem, error)
}

type invoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	return GetDB(ctx, r.db).Create(invoice).Error
}

func (r *invoiceRepository) FindByID(ctx context.Context, organizationID int64, id uint) (*model.Invoice, error) {
	var invoice model.Invoice
	if err := GetDB(ctx, r.db).
		Preload("Items").
		Preload("Customer").
		First(&invoice, "id = ? AND organization_id = ?", id, organizationID).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

// FindByIDForUpdate loads the invoice header under a row lock so that
// concurrent mutations of the same invoice serialize on it and each one
// sees the committed item set of the previous. SQLite has no FOR UPDATE;
// its single-writer lock already serializes write transactions there.
func (r *invoiceRepository) FindByIDForUpdate(ctx context.Context, organizationID int64, id uint) (*model.Invoice, error) {
	db := GetDB(ctx, r.db)
	if db.Dialector.Name() == "postgres" {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var invoice model.Invoice
	if err := db.First(&invoice, "id = ? AND organization_id = ?", id, organizationID).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) applyFilter(db *gorm.DB, filter InvoiceListFilter) *gorm.DB {
	query := db.Where("organization_id = ?", filter.OrganizationID)

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	} else if !filter.IncludeCancelled {
		query = query.Where("status <> ?", model.InvoiceStatusCancelled)
	}
	if filter.CustomerID != 0 {
		query = query.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.Search != "" {
		// lower(...) instead of ILIKE so the query also runs on the sqlite test DB
		query = query.Where("LOWER(invoice_number) LIKE LOWER(?)", "%"+filter.Search+"%")
	}
	if filter.DateFrom != nil {
		query = query.Where("invoice_date >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query = query.Where("invoice_date <= ?", *filter.DateTo)
	}
	return query
}

func (r *invoiceRepository) List(ctx context.Context, filter InvoiceListFilter) ([]model.Invoice, int64, error) {
	var invoices []model.Invoice
	var total int64

	db := GetDB(ctx, r.db)
	if err := r.applyFilter(db.Model(&model.Invoice{}), filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	order := sortBy + " desc"
	if filter.SortOrder == "asc" {
		order = sortBy + " asc"
	}

	offset := (filter.Page - 1) * filter.Limit
	err := r.applyFilter(db.Model(&model.Invoice{}), filter).
		Preload("Items").
		Preload("Customer").
		Order(order).
		Offset(offset).
		Limit(filter.Limit).
		Find(&invoices).Error
	if err != nil {
		return nil, 0, err
	}

	return invoices, total, nil
}

// UpdateColumns writes only the named header columns. Totals and the
// invoice number can never be clobbered by a stale in-memory struct this
// way, unlike a whole-row save.
func (r *invoiceRepository) UpdateColumns(ctx context.Context, id uint, values map[string]interface{}) error {
	return GetDB(ctx, r.db).
		Model(&model.Invoice{}).
		Where("id = ?", id).
		Updates(values).Error
}

func (r *invoiceRepository) CreateItem(ctx context.Context, item *model.InvoiceItem) error {
	return GetDB(ctx, r.db).Create(item).Error
}

func (r *invoiceRepository) UpdateItem(ctx context.Context, item *model.InvoiceItem) error {
	return GetDB(ctx, r.db).Save(item).Error
}

func (r *invoiceRepository) DeleteItem(ctx context.Context, invoiceID, itemID uint) error {
	return GetDB(ctx, r.db).
		Where("id = ? AND invoice_id = ?", itemID, invoiceID).
		Delete(&model.InvoiceItem{}).Error
}

func (r *invoiceRepository) FindItem(ctx context.Context, invoiceID, itemID uint) (*model.InvoiceItem, error) {
	var item model.InvoiceItem
	if err := GetDB(ctx, r.db).
		First(&item, "id = ? AND invoice_id = ?", itemID, invoiceID).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *invoiceRepository) ListItems(ctx context.Context, invoiceID uint) ([]model.InvoiceItem, error) {
	var items []model.InvoiceItem
	if err := GetDB(ctx, r.db).
		Where("invoice_id = ?", invoiceID).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
