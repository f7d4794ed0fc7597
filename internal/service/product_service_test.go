package service

import (
	"context"
	"testing"

	"backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProductDefaultsVATRate(t *testing.T) {
	env := newTestEnv(t)

	product, err := env.products.CreateProduct(context.Background(), CreateProductRequest{
		ProductType:  model.ProductTypeFrame,
		Name:         "Titanflex 821036",
		Brand:        "Eschenbach",
		CurrentPrice: "249.00",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "0.19", product.VATRate.String())
	assert.True(t, product.Active)
}

func TestCreateProductValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: "sunglasses", Name: "X", CurrentPrice: "10.00",
	}, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: model.ProductTypeLens, Name: "X", CurrentPrice: "-1.00",
	}, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: model.ProductTypeLens, Name: "X", CurrentPrice: "10.00", VATRate: "1.19",
	}, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateProductDuplicateSKU(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sku := "FR-0001"
	_, err := env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: model.ProductTypeFrame, Name: "A", SKU: &sku, CurrentPrice: "99.00",
	}, "")
	require.NoError(t, err)

	_, err = env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: model.ProductTypeFrame, Name: "B", SKU: &sku, CurrentPrice: "89.00",
	}, "")
	require.ErrorIs(t, err, ErrConflict)
}

func TestDeactivateProductKeepsRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	product, err := env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: model.ProductTypeAccessory, Name: "Brillenetui", CurrentPrice: "9.90",
	}, "")
	require.NoError(t, err)

	require.NoError(t, env.products.DeactivateProduct(ctx, 1, product.ID, ""))

	deactivated, err := env.products.GetProduct(ctx, 1, product.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	// Idempotent
	require.NoError(t, env.products.DeactivateProduct(ctx, 1, product.ID, ""))

	// Hidden from the active catalog, still listed without the filter
	_, total, err := env.products.ListProducts(ctx, ProductFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Zero(t, total)

	_, total, err = env.products.ListProducts(ctx, ProductFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestUpdateProductPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	product, err := env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: model.ProductTypeContactLens, Name: "Monatslinse", CurrentPrice: "29.90",
	}, "")
	require.NoError(t, err)

	newPrice := "34.90"
	updated, err := env.products.UpdateProduct(ctx, 1, product.ID, UpdateProductRequest{
		CurrentPrice: &newPrice,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "34.90", updated.CurrentPrice.StringFixed(2))
}

func TestProductRepricingDoesNotAlterInvoices(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	product, err := env.products.CreateProduct(ctx, CreateProductRequest{
		ProductType: model.ProductTypeFrame, Name: "Titanflex", CurrentPrice: "249.00",
	}, "")
	require.NoError(t, err)

	req := itemReq(1, "249.00", "0.19")
	req.ProductID = &product.ID
	invoice, err := env.invoices.CreateInvoice(ctx, CreateInvoiceRequest{
		CustomerID: customer.ID,
		Items:      []InvoiceItemRequest{req},
	}, "")
	require.NoError(t, err)

	newPrice := "299.00"
	_, err = env.products.UpdateProduct(ctx, 1, product.ID, UpdateProductRequest{CurrentPrice: &newPrice}, "")
	require.NoError(t, err)

	// The invoice keeps the snapshot price
	unchanged, err := env.invoices.GetInvoice(ctx, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "249.00", unchanged.Items[0].UnitPrice)
	assert.Equal(t, "296.31", unchanged.Total)
}
