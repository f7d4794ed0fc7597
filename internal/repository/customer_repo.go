package repository

import (
	"context"

	"backend/internal/model"

	"gorm.io/gorm"
)

// CustomerListFilter narrows ListCustomers
type CustomerListFilter struct {
	OrganizationID int64
	Search         string // partial match on name or email
	Status         string
	InsuranceType  string
	SortBy         string // validated by the service layer
	SortOrder      string
	Page           int
	Limit          int
}

type CustomerRepository interface {
	Create(ctx context.Context, customer *model.Customer) error
	Update(ctx context.Context, customer *model.Customer) error
	FindByID(ctx context.Context, organizationID int64, id uint) (*model.Customer, error)
	FindByEmail(ctx context.Context, organizationID int64, email string) (*model.Customer, error)
	List(ctx context.Context, filter CustomerListFilter) ([]model.Customer, int64, error)
}

type customerRepository struct {
	db *gorm.DB
}

func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &customerRepository{db: db}
}

func (r *customerRepository) Create(ctx context.Context, customer *model.Customer) error {
	return GetDB(ctx, r.db).Create(customer).Error
}

func (r *customerRepository) Update(ctx context.Context, customer *model.Customer) error {
	return GetDB(ctx, r.db).Save(customer).Error
}

func (r *customerRepository) FindByID(ctx context.Context, organizationID int64, id uint) (*model.Customer, error) {
	var customer model.Customer
	if err := GetDB(ctx, r.db).
		First(&customer, "id = ? AND organization_id = ?", id, organizationID).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *customerRepository) FindByEmail(ctx context.Context, organizationID int64, email string) (*model.Customer, error) {
	var customer model.Customer
	if err := GetDB(ctx, r.db).
		First(&customer, "organization_id = ? AND email = ?", organizationID, email).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *customerRepository) applyFilter(db *gorm.DB, filter CustomerListFilter) *gorm.DB {
	query := db.Where("organization_id = ?", filter.OrganizationID)

	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query = query.Where(
			"LOWER(first_name) LIKE LOWER(?) OR LOWER(last_name) LIKE LOWER(?) OR LOWER(email) LIKE LOWER(?)",
			pattern, pattern, pattern)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.InsuranceType != "" {
		query = query.Where("insurance_type = ?", filter.InsuranceType)
	}
	return query
}

func (r *customerRepository) List(ctx context.Context, filter CustomerListFilter) ([]model.Customer, int64, error) {
	var customers []model.Customer
	var total int64

	db := GetDB(ctx, r.db)
	if err := r.applyFilter(db.Model(&model.Customer{}), filter).Count(&total).Error; err != nil {
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
	err := r.applyFilter(db.Model(&model.Customer{}), filter).
		Order(order).
		Offset(offset).
		Limit(filter.Limit).
		Find(&customers).Error
	if err != nil {
		return nil, 0, err
	}

	return customers, total, nil
}
