package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backend/internal/model"
	"backend/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// --- DTOs ---

type CreateProductRequest struct {
	OrganizationID int64           `json:"organization_id"`
	ProductType    string          `json:"product_type" binding:"required,oneof=frame lens contact_lens accessory"`
	SKU            *string         `json:"sku"`
	Name           string          `json:"name" binding:"required,max=200"`
	Brand          string          `json:"brand"`
	Model          string          `json:"model"`
	FrameSize      string          `json:"frame_size"`
	FrameColor     string          `json:"frame_color"`
	LensMaterial   string          `json:"lens_material"`
	LensCoating    json.RawMessage `json:"lens_coating"`
	Details        json.RawMessage `json:"details"`
	CurrentPrice   string          `json:"current_price" binding:"required"`
	VATRate        string          `json:"vat_rate"`

	InsuranceEligible bool  `json:"insurance_eligible"`
	Active            *bool `json:"active"`
}

type UpdateProductRequest struct {
	ProductType  *string         `json:"product_type"`
	SKU          *string         `json:"sku"`
	Name         *string         `json:"name"`
	Brand        *string         `json:"brand"`
	Model        *string         `json:"model"`
	FrameSize    *string         `json:"frame_size"`
	FrameColor   *string         `json:"frame_color"`
	LensMaterial *string         `json:"lens_material"`
	LensCoating  json.RawMessage `json:"lens_coating"`
	Details      json.RawMessage `json:"details"`
	CurrentPrice *string         `json:"current_price"`
	VATRate      *string         `json:"vat_rate"`

	InsuranceEligible *bool `json:"insurance_eligible"`
	Active            *bool `json:"active"`
}

type ProductFilter struct {
	OrganizationID int64
	Search         string
	ProductType    string
	ActiveOnly     bool
	SortBy         string
	SortOrder      string
	Page           int
	Limit          int
}

// --- Interface ---

type ProductService interface {
	CreateProduct(ctx context.Context, req CreateProductRequest, userID string) (*model.Product, error)
	GetProduct(ctx context.Context, organizationID int64, id uint) (*model.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, int64, error)
	UpdateProduct(ctx context.Context, organizationID int64, id uint, req UpdateProductRequest, userID string) (*model.Product, error)
	DeactivateProduct(ctx context.Context, organizationID int64, id uint, userID string) error
}

type productService struct {
	productRepo repository.ProductRepository
	auditRepo   repository.AuditRepository
	txManager   repository.TransactionManager
}

func NewProductService(
	productRepo repository.ProductRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
) ProductService {
	return &productService{
		productRepo: productRepo,
		auditRepo:   auditRepo,
		txManager:   txManager,
	}
}

// --- Helpers ---

func isValidProductType(t string) bool {
	switch t {
	case model.ProductTypeFrame, model.ProductTypeLens,
		model.ProductTypeContactLens, model.ProductTypeAccessory:
		return true
	}
	return false
}

func parseVATRate(value string) (decimal.Decimal, error) {
	rate, err := parseAmount("vat_rate", value)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: vat_rate must be between 0 and 1", ErrValidation)
	}
	return rate, nil
}

func validateJSONField(field string, raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrValidation, field)
	}
	return nil
}

// ensureSKUFree rejects a duplicate SKU within the organization so the
// caller gets a conflict error instead of a raw constraint violation.
func (s *productService) ensureSKUFree(ctx context.Context, organizationID int64, sku string, excludeID uint) error {
	existing, err := s.productRepo.FindBySKU(ctx, organizationID, sku)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to check sku: %w", err)
	}
	if existing.ID != excludeID {
		return fmt.Errorf("%w: sku %s already in use", ErrConflict, sku)
	}
	return nil
}

// --- Implementation ---

func (s *productService) CreateProduct(ctx context.Context, req CreateProductRequest, userID string) (*model.Product, error) {
	organizationID := req.OrganizationID
	if organizationID == 0 {
		organizationID = 1
	}

	if !isValidProductType(req.ProductType) {
		return nil, fmt.Errorf("%w: unknown product type %q", ErrValidation, req.ProductType)
	}
	price, err := parseAmount("current_price", req.CurrentPrice)
	if err != nil {
		return nil, err
	}

	vatRate := decimal.NewFromFloat(0.19) // German standard rate
	if req.VATRate != "" {
		vatRate, err = parseVATRate(req.VATRate)
		if err != nil {
			return nil, err
		}
	}

	if err := validateJSONField("lens_coating", req.LensCoating); err != nil {
		return nil, err
	}
	if err := validateJSONField("details", req.Details); err != nil {
		return nil, err
	}

	if req.SKU != nil && *req.SKU != "" {
		if err := s.ensureSKUFree(ctx, organizationID, *req.SKU, 0); err != nil {
			return nil, err
		}
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	product := &model.Product{
		OrganizationID:    organizationID,
		ProductType:       req.ProductType,
		SKU:               req.SKU,
		Name:              req.Name,
		Brand:             req.Brand,
		Model:             req.Model,
		FrameSize:         req.FrameSize,
		FrameColor:        req.FrameColor,
		LensMaterial:      req.LensMaterial,
		LensCoating:       jsonOrNull(string(req.LensCoating)),
		Details:           jsonOrNull(string(req.Details)),
		CurrentPrice:      price,
		VATRate:           vatRate,
		InsuranceEligible: req.InsuranceEligible,
		Active:            active,
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if createErr := s.productRepo.Create(txCtx, product); createErr != nil {
			return fmt.Errorf("failed to create product: %w", createErr)
		}
		return s.auditProduct(txCtx, userID, model.ActionCreateProduct, product)
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (s *productService) GetProduct(ctx context.Context, organizationID int64, id uint) (*model.Product, error) {
	product, err := s.productRepo.FindByID(ctx, organizationID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	return product, nil
}

var productSortFields = map[string]bool{
	"created_at":    true,
	"name":          true,
	"brand":         true,
	"current_price": true,
}

func (s *productService) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, int64, error) {
	if filter.OrganizationID == 0 {
		filter.OrganizationID = 1
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.ProductType != "" && !isValidProductType(filter.ProductType) {
		return nil, 0, fmt.Errorf("%w: unknown product type %q", ErrValidation, filter.ProductType)
	}
	sortBy := filter.SortBy
	if !productSortFields[sortBy] {
		sortBy = "created_at"
	}

	products, total, err := s.productRepo.List(ctx, repository.ProductListFilter{
		OrganizationID: filter.OrganizationID,
		Search:         filter.Search,
		ProductType:    filter.ProductType,
		ActiveOnly:     filter.ActiveOnly,
		SortBy:         sortBy,
		SortOrder:      filter.SortOrder,
		Page:           filter.Page,
		Limit:          filter.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch products: %w", err)
	}
	return products, total, nil
}

func (s *productService) UpdateProduct(ctx context.Context, organizationID int64, id uint, req UpdateProductRequest, userID string) (*model.Product, error) {
	product, err := s.GetProduct(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	if req.ProductType != nil {
		if !isValidProductType(*req.ProductType) {
			return nil, fmt.Errorf("%w: unknown product type %q", ErrValidation, *req.ProductType)
		}
		product.ProductType = *req.ProductType
	}
	if req.SKU != nil {
		if *req.SKU == "" {
			product.SKU = nil
		} else {
			if err := s.ensureSKUFree(ctx, organizationID, *req.SKU, id); err != nil {
				return nil, err
			}
			product.SKU = req.SKU
		}
	}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrValidation)
		}
		product.Name = *req.Name
	}
	if req.Brand != nil {
		product.Brand = *req.Brand
	}
	if req.Model != nil {
		product.Model = *req.Model
	}
	if req.FrameSize != nil {
		product.FrameSize = *req.FrameSize
	}
	if req.FrameColor != nil {
		product.FrameColor = *req.FrameColor
	}
	if req.LensMaterial != nil {
		product.LensMaterial = *req.LensMaterial
	}
	if len(req.LensCoating) > 0 {
		if err := validateJSONField("lens_coating", req.LensCoating); err != nil {
			return nil, err
		}
		product.LensCoating = string(req.LensCoating)
	}
	if len(req.Details) > 0 {
		if err := validateJSONField("details", req.Details); err != nil {
			return nil, err
		}
		product.Details = string(req.Details)
	}
	if req.CurrentPrice != nil {
		price, parseErr := parseAmount("current_price", *req.CurrentPrice)
		if parseErr != nil {
			return nil, parseErr
		}
		product.CurrentPrice = price
	}
	if req.VATRate != nil {
		rate, parseErr := parseVATRate(*req.VATRate)
		if parseErr != nil {
			return nil, parseErr
		}
		product.VATRate = rate
	}
	if req.InsuranceEligible != nil {
		product.InsuranceEligible = *req.InsuranceEligible
	}
	if req.Active != nil {
		product.Active = *req.Active
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if updateErr := s.productRepo.Update(txCtx, product); updateErr != nil {
			return fmt.Errorf("failed to update product: %w", updateErr)
		}
		return s.auditProduct(txCtx, userID, model.ActionUpdateProduct, product)
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

// DeactivateProduct replaces deletion: past invoices carry a snapshot of the
// product, so the row only drops out of the active catalog.
func (s *productService) DeactivateProduct(ctx context.Context, organizationID int64, id uint, userID string) error {
	product, err := s.GetProduct(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if !product.Active {
		return nil // already inactive, idempotent
	}
	product.Active = false

	return s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if updateErr := s.productRepo.Update(txCtx, product); updateErr != nil {
			return fmt.Errorf("failed to deactivate product: %w", updateErr)
		}
		return s.auditProduct(txCtx, userID, model.ActionDeactivateProduct, product)
	})
}

func (s *productService) auditProduct(txCtx context.Context, userID, action string, product *model.Product) error {
	return writeAuditLog(txCtx, s.auditRepo, userID, action,
		fmt.Sprintf("%d", product.ID),
		product.Name,
		map[string]interface{}{
			"product_id":   product.ID,
			"product_type": product.ProductType,
			"active":       product.Active,
		})
}
