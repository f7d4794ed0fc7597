package service

import (
	"context"
	"testing"

	"backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func strPtr(s string) *string     { return &s }

func TestCreateCustomerWithPrescription(t *testing.T) {
	env := newTestEnv(t)

	customer, err := env.customers.CreateCustomer(context.Background(), CreateCustomerRequest{
		FirstName:     "Max",
		LastName:      "Mustermann",
		Email:         strPtr("max@example.de"),
		InsuranceType: model.InsuranceStatutory,
		Prescription: &PrescriptionRequest{
			SphereRight:   floatPtr(-2.25),
			SphereLeft:    floatPtr(-2.50),
			CylinderRight: floatPtr(-0.75),
			AxisRight:     intPtr(90),
			Addition:      floatPtr(2.0),
			PD:            floatPtr(63.5),
		},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, model.CustomerStatusProspect, customer.Status)
	assert.Equal(t, "Deutschland", customer.AddressCountry)
	require.NotNil(t, customer.PrescriptionSphereRight)
	assert.Equal(t, -2.25, *customer.PrescriptionSphereRight)
	require.NotNil(t, customer.PrescriptionPD)
	assert.Equal(t, 63.5, *customer.PrescriptionPD)
}

func TestCreateCustomerRejectsOutOfRangePrescription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    PrescriptionRequest
	}{
		{"sphere too strong", PrescriptionRequest{SphereRight: floatPtr(-20.25)}},
		{"cylinder too strong", PrescriptionRequest{CylinderLeft: floatPtr(10.5)}},
		{"axis above 180", PrescriptionRequest{AxisLeft: intPtr(181)}},
		{"axis negative", PrescriptionRequest{AxisRight: intPtr(-1)}},
		{"addition too high", PrescriptionRequest{Addition: floatPtr(5.5)}},
		{"pd too small", PrescriptionRequest{PD: floatPtr(49.0)}},
		{"pd too large", PrescriptionRequest{PD: floatPtr(80.5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.p
			_, err := env.customers.CreateCustomer(ctx, CreateCustomerRequest{
				FirstName:    "Max",
				LastName:     "Mustermann",
				Prescription: &p,
			}, "")
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateCustomerBoundaryPrescriptionValues(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.customers.CreateCustomer(context.Background(), CreateCustomerRequest{
		FirstName: "Erika",
		LastName:  "Musterfrau",
		Prescription: &PrescriptionRequest{
			SphereRight: floatPtr(-20.0),
			SphereLeft:  floatPtr(20.0),
			AxisRight:   intPtr(0),
			AxisLeft:    intPtr(180),
			Addition:    floatPtr(0),
			PD:          floatPtr(50.0),
		},
	}, "")
	require.NoError(t, err)
}

func TestCreateCustomerDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.customers.CreateCustomer(ctx, CreateCustomerRequest{
		FirstName: "Max", LastName: "Mustermann", Email: strPtr("max@example.de"),
	}, "")
	require.NoError(t, err)

	_, err = env.customers.CreateCustomer(ctx, CreateCustomerRequest{
		FirstName: "Moritz", LastName: "Mustermann", Email: strPtr("max@example.de"),
	}, "")
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateCustomerInvalidEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.customers.CreateCustomer(context.Background(), CreateCustomerRequest{
		FirstName: "Max", LastName: "Mustermann", Email: strPtr("not-an-email"),
	}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestUpdateCustomerEmailConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.customers.CreateCustomer(ctx, CreateCustomerRequest{
		FirstName: "Max", LastName: "Mustermann", Email: strPtr("max@example.de"),
	}, "")
	require.NoError(t, err)

	second, err := env.customers.CreateCustomer(ctx, CreateCustomerRequest{
		FirstName: "Erika", LastName: "Musterfrau", Email: strPtr("erika@example.de"),
	}, "")
	require.NoError(t, err)

	_, err = env.customers.UpdateCustomer(ctx, 1, second.ID, UpdateCustomerRequest{
		Email: strPtr("max@example.de"),
	}, "")
	require.ErrorIs(t, err, ErrConflict)

	// Updating to the own current email is not a conflict
	updated, err := env.customers.UpdateCustomer(ctx, 1, second.ID, UpdateCustomerRequest{
		Email: strPtr("erika@example.de"),
		Phone: strPtr("030 1234567"),
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "030 1234567", updated.Phone)
}

func TestArchiveCustomerKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	customer, err := env.customers.CreateCustomer(ctx, CreateCustomerRequest{
		FirstName: "Max", LastName: "Mustermann",
	}, "")
	require.NoError(t, err)

	require.NoError(t, env.customers.ArchiveCustomer(ctx, 1, customer.ID, ""))

	archived, err := env.customers.GetCustomer(ctx, 1, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CustomerStatusArchived, archived.Status)

	// Archiving twice is a no-op
	require.NoError(t, env.customers.ArchiveCustomer(ctx, 1, customer.ID, ""))
}

func TestArchiveCustomerNotFound(t *testing.T) {
	env := newTestEnv(t)
	err := env.customers.ArchiveCustomer(context.Background(), 1, 4711, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListCustomersSearchAndFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.customers.CreateCustomer(ctx, CreateCustomerRequest{
		FirstName: "Anna", LastName: "Schmidt", Email: strPtr("anna@example.de"),
		InsuranceType: model.InsurancePrivate, Status: model.CustomerStatusActive,
	}, "")
	require.NoError(t, err)
	_, err = env.customers.CreateCustomer(ctx, CreateCustomerRequest{
		FirstName: "Bernd", LastName: "Schneider",
		InsuranceType: model.InsuranceStatutory, Status: model.CustomerStatusActive,
	}, "")
	require.NoError(t, err)

	// Case-insensitive name search
	found, total, err := env.customers.ListCustomers(ctx, CustomerFilter{Search: "schmi"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, found, 1)
	assert.Equal(t, "Anna", found[0].FirstName)

	// Insurance type filter
	found, total, err = env.customers.ListCustomers(ctx, CustomerFilter{InsuranceType: model.InsuranceStatutory})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, found, 1)
	assert.Equal(t, "Bernd", found[0].FirstName)
}
