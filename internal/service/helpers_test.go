package service

import (
	"testing"

	"backend/internal/database"
	"backend/internal/model"
	"backend/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testEnv bundles the wired-up services against an in-memory database.
type testEnv struct {
	db        *gorm.DB
	invoices  InvoiceService
	customers CustomerService
	products  ProductService
	audits    AuditService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// A single connection keeps concurrent transactions serialized instead
	// of failing with SQLITE_BUSY.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))

	txManager := repository.NewTransactionManager(db)
	customerRepo := repository.NewCustomerRepository(db)
	productRepo := repository.NewProductRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	sequenceRepo := repository.NewSequenceRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	return &testEnv{
		db:        db,
		invoices:  NewInvoiceService(invoiceRepo, customerRepo, sequenceRepo, auditRepo, txManager, nil),
		customers: NewCustomerService(customerRepo, auditRepo, txManager),
		products:  NewProductService(productRepo, auditRepo, txManager),
		audits:    NewAuditService(auditRepo),
	}
}

func (e *testEnv) seedCustomer(t *testing.T) *model.Customer {
	t.Helper()
	email := "anna.schmidt@example.de"
	customer := &model.Customer{
		OrganizationID: 1,
		FirstName:      "Anna",
		LastName:       "Schmidt",
		Email:          &email,
		InsuranceType:  model.InsuranceStatutory,
		Status:         model.CustomerStatusActive,
	}
	require.NoError(t, e.db.Create(customer).Error)
	return customer
}

// snapshot is a minimal frozen product payload for invoice items.
const snapshot = `{"name":"Einstärkenglas","price":"50.00"}`

func itemReq(quantity int, unitPrice, vatRate string) InvoiceItemRequest {
	return InvoiceItemRequest{
		ProductSnapshot: []byte(snapshot),
		Quantity:        quantity,
		UnitPrice:       unitPrice,
		VATRate:         vatRate,
	}
}
