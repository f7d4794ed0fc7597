package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoiceComputesTotals(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID:  customer.ID,
		InvoiceDate: "2025-03-10",
		Items: []InvoiceItemRequest{
			itemReq(2, "50.00", "0.19"),
		},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "2025-0001", invoice.InvoiceNumber)
	assert.Equal(t, "100.00", invoice.Subtotal)
	assert.Equal(t, "19.00", invoice.VATAmount)
	assert.Equal(t, "119.00", invoice.Total)
	assert.Equal(t, model.InvoiceStatusOpen, invoice.Status)
	require.Len(t, invoice.Items, 1)
	assert.Equal(t, "100.00", invoice.Items[0].LineTotal)
}

func TestCreateInvoiceSequentialNumbers(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	for i := 1; i <= 10; i++ {
		invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
			CustomerID:  customer.ID,
			InvoiceDate: "2025-01-15",
			Items:       []InvoiceItemRequest{itemReq(1, "10.00", "0.19")},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("2025-%04d", i), invoice.InvoiceNumber)
	}
}

func TestCreateInvoiceNumbersIsolatedPerYear(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	first, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID:  customer.ID,
		InvoiceDate: "2024-12-31",
		Items:       []InvoiceItemRequest{itemReq(1, "10.00", "0.19")},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "2024-0001", first.InvoiceNumber)

	second, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID:  customer.ID,
		InvoiceDate: "2025-01-01",
		Items:       []InvoiceItemRequest{itemReq(1, "10.00", "0.19")},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "2025-0001", second.InvoiceNumber)
}

func TestCreateInvoiceConcurrentAllocation(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	const workers = 10
	var wg sync.WaitGroup
	numbers := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
				CustomerID:  customer.ID,
				InvoiceDate: "2025-06-01",
				Items:       []InvoiceItemRequest{itemReq(1, "25.00", "0.19")},
			}, "")
			if err == nil {
				numbers <- invoice.InvoiceNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for n := range numbers {
		assert.False(t, seen[n], "duplicate invoice number %s", n)
		seen[n] = true
	}
	// No duplicates and no gaps
	assert.Len(t, seen, workers)
	for i := 1; i <= workers; i++ {
		assert.True(t, seen[fmt.Sprintf("2025-%04d", i)])
	}
}

func TestCreateInvoiceTotalMismatchDoesNotConsumeNumber(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	_, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID:  customer.ID,
		InvoiceDate: "2025-02-01",
		Total:       "999.00",
		Items:       []InvoiceItemRequest{itemReq(2, "50.00", "0.19")},
	}, "")
	require.ErrorIs(t, err, ErrTotalMismatch)

	// The failed request must not have burned a sequence number
	invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID:  customer.ID,
		InvoiceDate: "2025-02-01",
		Items:       []InvoiceItemRequest{itemReq(2, "50.00", "0.19")},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "2025-0001", invoice.InvoiceNumber)
}

func TestCreateInvoiceAcceptsMatchingClientTotals(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID:  customer.ID,
		InvoiceDate: "2025-02-01",
		Subtotal:    "100.00",
		VATAmount:   "19.00",
		Total:       "119.00",
		Items:       []InvoiceItemRequest{itemReq(2, "50.00", "0.19")},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "119.00", invoice.Total)
}

func TestCreateInvoiceRejectsEmptyItems(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	_, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID: customer.ID,
	}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateInvoiceRejectsZeroTotal(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	_, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID: customer.ID,
		Items:      []InvoiceItemRequest{itemReq(1, "0.00", "0.19")},
	}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateInvoiceCustomerNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID: 4711,
		Items:      []InvoiceItemRequest{itemReq(1, "10.00", "0.19")},
	}, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateInvoiceRejectsArchivedCustomer(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	require.NoError(t, env.db.Model(customer).Update("status", model.CustomerStatusArchived).Error)

	_, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID: customer.ID,
		Items:      []InvoiceItemRequest{itemReq(1, "10.00", "0.19")},
	}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func createOpenInvoice(t *testing.T, env *testEnv, customerID uint) InvoiceResponse {
	t.Helper()
	invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID:  customerID,
		InvoiceDate: "2025-04-01",
		Items:       []InvoiceItemRequest{itemReq(2, "50.00", "0.19")},
	}, "")
	require.NoError(t, err)
	return invoice
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	draft, err := env.invoices.CreateInvoice(ctx, CreateInvoiceRequest{
		CustomerID: customer.ID,
		Status:     model.InvoiceStatusDraft,
		Items:      []InvoiceItemRequest{itemReq(1, "10.00", "0.19")},
	}, "")
	require.NoError(t, err)

	opened, err := env.invoices.UpdateInvoiceStatus(ctx, 1, draft.ID, model.InvoiceStatusOpen, "")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusOpen, opened.Status)

	paid, err := env.invoices.UpdateInvoiceStatus(ctx, 1, draft.ID, model.InvoiceStatusPaid, "")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, paid.Status)

	// paid cannot be reopened
	_, err = env.invoices.UpdateInvoiceStatus(ctx, 1, draft.ID, model.InvoiceStatusOpen, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	// rejected transition leaves the invoice untouched
	unchanged, err := env.invoices.GetInvoice(ctx, 1, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, unchanged.Status)
}

func TestCancelledIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)

	cancelled, err := env.invoices.UpdateInvoiceStatus(ctx, 1, invoice.ID, model.InvoiceStatusCancelled, "")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusCancelled, cancelled.Status)

	for _, target := range []string{
		model.InvoiceStatusDraft, model.InvoiceStatusOpen,
		model.InvoiceStatusPaid, model.InvoiceStatusCancelled,
	} {
		_, err := env.invoices.UpdateInvoiceStatus(ctx, 1, invoice.ID, target, "")
		assert.ErrorIs(t, err, ErrInvalidTransition, "cancelled -> %s must be rejected", target)
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	invoice := createOpenInvoice(t, env, customer.ID)
	_, err := env.invoices.UpdateInvoiceStatus(context.Background(), 1, invoice.ID, "storniert", "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCancelledInvoiceKeepsNumberAndIsHiddenFromLists(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)
	number := invoice.InvoiceNumber

	_, err := env.invoices.UpdateInvoiceStatus(ctx, 1, invoice.ID, model.InvoiceStatusCancelled, "")
	require.NoError(t, err)

	// Hidden from the default listing
	listed, total, err := env.invoices.ListInvoices(ctx, InvoiceFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, listed)

	// Visible with include_cancelled
	listed, total, err = env.invoices.ListInvoices(ctx, InvoiceFilter{IncludeCancelled: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, listed, 1)
	assert.Equal(t, number, listed[0].InvoiceNumber)

	// Still fetchable by id, number intact
	fetched, err := env.invoices.GetInvoice(ctx, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, number, fetched.InvoiceNumber)

	// The number stays consumed: the next invoice gets a fresh one
	next := createOpenInvoice(t, env, customer.ID)
	assert.NotEqual(t, number, next.InvoiceNumber)
	assert.Equal(t, "2025-0002", next.InvoiceNumber)
}

func TestItemMutationsRecomputeTotals(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID) // 2 x 50.00 @ 19%

	added, err := env.invoices.AddItem(ctx, 1, invoice.ID, itemReq(1, "30.00", "0.07"), "")
	require.NoError(t, err)
	assert.Equal(t, "130.00", added.Subtotal)
	assert.Equal(t, "21.10", added.VATAmount) // 19.00 + 2.10
	assert.Equal(t, "151.10", added.Total)
	require.Len(t, added.Items, 2)

	newQty := 2
	updated, err := env.invoices.UpdateItem(ctx, 1, invoice.ID, added.Items[1].ID, UpdateInvoiceItemRequest{
		Quantity: &newQty,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "160.00", updated.Subtotal)
	assert.Equal(t, "23.20", updated.VATAmount) // 19.00 + 4.20
	assert.Equal(t, "183.20", updated.Total)

	removed, err := env.invoices.RemoveItem(ctx, 1, invoice.ID, added.Items[1].ID, "")
	require.NoError(t, err)
	assert.Equal(t, "100.00", removed.Subtotal)
	assert.Equal(t, "19.00", removed.VATAmount)
	assert.Equal(t, "119.00", removed.Total)
	require.Len(t, removed.Items, 1)
}

func TestRemovingLastItemYieldsZeroTotals(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)

	emptied, err := env.invoices.RemoveItem(ctx, 1, invoice.ID, invoice.Items[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, "0.00", emptied.Subtotal)
	assert.Equal(t, "0.00", emptied.VATAmount)
	assert.Equal(t, "0.00", emptied.Total)
	assert.Empty(t, emptied.Items)
}

func TestItemsImmutableOncePaid(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)
	_, err := env.invoices.UpdateInvoiceStatus(ctx, 1, invoice.ID, model.InvoiceStatusPaid, "")
	require.NoError(t, err)

	_, err = env.invoices.AddItem(ctx, 1, invoice.ID, itemReq(1, "5.00", "0.19"), "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = env.invoices.RemoveItem(ctx, 1, invoice.ID, invoice.Items[0].ID, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestHeaderUpdateBlockedWhenCancelled(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)
	_, err := env.invoices.UpdateInvoiceStatus(ctx, 1, invoice.ID, model.InvoiceStatusCancelled, "")
	require.NoError(t, err)

	notes := "Nachtrag"
	_, err = env.invoices.UpdateInvoice(ctx, 1, invoice.ID, UpdateInvoiceRequest{Notes: &notes}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestHeaderUpdateNeverTouchesTotalsOrNumber(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)

	notes := "Abholung am Freitag"
	method := "ec_karte"
	updated, err := env.invoices.UpdateInvoice(ctx, 1, invoice.ID, UpdateInvoiceRequest{
		Notes:         &notes,
		PaymentMethod: &method,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, notes, updated.Notes)
	assert.Equal(t, method, updated.PaymentMethod)
	assert.Equal(t, invoice.InvoiceNumber, updated.InvoiceNumber)
	assert.Equal(t, invoice.Total, updated.Total)
}

func TestRoundingHalfAwayFromZero(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID: customer.ID,
		Items:      []InvoiceItemRequest{itemReq(1, "0.105", "0.19")},
	}, "")
	require.NoError(t, err)

	// 0.105 rounds up, not to even
	assert.Equal(t, "0.11", invoice.Items[0].LineTotal)
	assert.Equal(t, "0.11", invoice.Subtotal)
	assert.Equal(t, "0.02", invoice.VATAmount) // 0.11 * 0.19 = 0.0209
	assert.Equal(t, "0.13", invoice.Total)
}

func TestRecomputeIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice, err := env.invoices.CreateInvoice(ctx, CreateInvoiceRequest{
		CustomerID: customer.ID,
		Items: []InvoiceItemRequest{
			itemReq(3, "33.33", "0.19"),
			itemReq(1, "7.77", "0.07"),
		},
	}, "")
	require.NoError(t, err)

	// A no-op item update must reproduce identical totals
	qty := 3
	recomputed, err := env.invoices.UpdateItem(ctx, 1, invoice.ID, invoice.Items[0].ID, UpdateInvoiceItemRequest{
		Quantity: &qty,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, invoice.Subtotal, recomputed.Subtotal)
	assert.Equal(t, invoice.VATAmount, recomputed.VATAmount)
	assert.Equal(t, invoice.Total, recomputed.Total)
}

func TestDiscountReducesLineTotal(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	req := itemReq(2, "50.00", "0.19")
	req.DiscountAmount = "10.00"
	invoice, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID: customer.ID,
		Items:      []InvoiceItemRequest{req},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "90.00", invoice.Items[0].LineTotal)
	assert.Equal(t, "90.00", invoice.Subtotal)
	assert.Equal(t, "17.10", invoice.VATAmount)
	assert.Equal(t, "107.10", invoice.Total)
}

func TestDiscountMayNotExceedLineAmount(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	req := itemReq(1, "50.00", "0.19")
	req.DiscountAmount = "60.00"
	_, err := env.invoices.CreateInvoice(context.Background(), CreateInvoiceRequest{
		CustomerID: customer.ID,
		Items:      []InvoiceItemRequest{req},
	}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateInvoiceWritesAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)

	invoice := createOpenInvoice(t, env, customer.ID)

	logs, total, err := env.audits.GetAuditLogs(context.Background(), AuditFilter{Action: model.ActionCreateInvoice})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, invoice.InvoiceNumber, logs[0].EntityID)
	assert.Equal(t, "System", logs[0].Username)
}

func TestConcurrentItemAdditionsKeepTotalsConsistent(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.invoices.AddItem(ctx, 1, invoice.ID, itemReq(1, "10.00", "0.19"), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every committed line must be reflected in the committed totals,
	// no matter how the additions interleaved.
	final, err := env.invoices.GetInvoice(ctx, 1, invoice.ID)
	require.NoError(t, err)
	require.Len(t, final.Items, writers+1)
	assert.Equal(t, "180.00", final.Subtotal)
	assert.Equal(t, "34.20", final.VATAmount)
	assert.Equal(t, "214.20", final.Total)
}

func TestItemsImmutableOnceCancelled(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)
	_, err := env.invoices.UpdateInvoiceStatus(ctx, 1, invoice.ID, model.InvoiceStatusCancelled, "")
	require.NoError(t, err)

	_, err = env.invoices.AddItem(ctx, 1, invoice.ID, itemReq(1, "10.00", "0.19"), "")
	assert.ErrorIs(t, err, ErrValidation)

	unchanged, err := env.invoices.GetInvoice(ctx, 1, invoice.ID)
	require.NoError(t, err)
	require.Len(t, unchanged.Items, 1)
	assert.Equal(t, "119.00", unchanged.Total)
}

func TestStatusChangeLeavesTotalsIntact(t *testing.T) {
	env := newTestEnv(t)
	customer := env.seedCustomer(t)
	ctx := context.Background()

	invoice := createOpenInvoice(t, env, customer.ID)
	withExtra, err := env.invoices.AddItem(ctx, 1, invoice.ID, itemReq(1, "30.00", "0.07"), "")
	require.NoError(t, err)
	require.Equal(t, "151.10", withExtra.Total)

	// The status write touches only the status column, so the freshly
	// recomputed totals survive it.
	paid, err := env.invoices.UpdateInvoiceStatus(ctx, 1, invoice.ID, model.InvoiceStatusPaid, "")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, paid.Status)
	assert.Equal(t, "130.00", paid.Subtotal)
	assert.Equal(t, "21.10", paid.VATAmount)
	assert.Equal(t, "151.10", paid.Total)
	assert.Equal(t, invoice.InvoiceNumber, paid.InvoiceNumber)
}
