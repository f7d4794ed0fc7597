package repository

import (
	"context"

	"backend/internal/model"

	"gorm.io/gorm"
)

// ProductListFilter narrows ListProducts
type ProductListFilter struct {
	OrganizationID int64
	Search         string // partial match on name, brand, model, or SKU
	ProductType    string
	ActiveOnly     bool
	SortBy         string // validated by the service layer
	SortOrder      string
	Page           int
	Limit          int
}

type ProductRepository interface {
	Create(ctx context.Context, product *model.Product) error
	Update(ctx context.Context, product *model.Product) error
	FindByID(ctx context.Context, organizationID int64, id uint) (*model.Product, error)
	FindBySKU(ctx context.Context, organizationID int64, sku string) (*model.Product, error)
	List(ctx context.Context, filter ProductListFilter) ([]model.Product, int64, error)
}

type productRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepository{db: db}
}

func (r *productRepository) Create(ctx context.Context, product *model.Product) error {
	return GetDB(ctx, r.db).Create(product).Error
}

func (r *productRepository) Update(ctx context.Context, product *model.Product) error {
	return GetDB(ctx, r.db).Save(product).Error
}

func (r *productRepository) FindByID(ctx context.Context, organizationID int64, id uint) (*model.Product, error) {
	var product model.Product
	if err := GetDB(ctx, r.db).
		First(&product, "id = ? AND organization_id = ?", id, organizationID).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *productRepository) FindBySKU(ctx context.Context, organizationID int64, sku string) (*model.Product, error) {
	var product model.Product
	if err := GetDB(ctx, r.db).
		First(&product, "organization_id = ? AND sku = ?", organizationID, sku).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *productRepository) applyFilter(db *gorm.DB, filter ProductListFilter) *gorm.DB {
	query := db.Where("organization_id = ?", filter.OrganizationID)

	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query = query.Where(
			"LOWER(name) LIKE LOWER(?) OR LOWER(brand) LIKE LOWER(?) OR LOWER(model) LIKE LOWER(?) OR LOWER(sku) LIKE LOWER(?)",
			pattern, pattern, pattern, pattern)
	}
	if filter.ProductType != "" {
		query = query.Where("product_type = ?", filter.ProductType)
	}
	if filter.ActiveOnly {
		query = query.Where("active = ?", true)
	}
	return query
}

func (r *productRepository) List(ctx context.Context, filter ProductListFilter) ([]model.Product, int64, error) {
	var products []model.Product
	var total int64

	db := GetDB(ctx, r.db)
	if err := r.applyFilter(db.Model(&model.Product{}), filter).Count(&total).Error; err != nil {
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
	err := r.applyFilter(db.Model(&model.Product{}), filter).
		Order(order).
		Offset(offset).
		Limit(filter.Limit).
		Find(&products).Error
	if err != nil {
		return nil, 0, err
	}

	return products, total, nil
}
