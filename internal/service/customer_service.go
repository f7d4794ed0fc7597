package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"backend/internal/model"
	"backend/internal/repository"

	"gorm.io/gorm"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Optical prescription bounds in dioptres (axis in degrees, PD in mm).
// Values outside these ranges are physically implausible and almost always
// data-entry mistakes.
const (
	sphereMin   = -20.0
	sphereMax   = 20.0
	cylinderMin = -10.0
	cylinderMax = 10.0
	axisMin     = 0
	axisMax     = 180
	additionMin = 0.0
	additionMax = 5.0
	pdMin       = 50.0
	pdMax       = 80.0
)

// --- DTOs ---

type PrescriptionRequest struct {
	SphereRight   *float64 `json:"sphere_right"`
	SphereLeft    *float64 `json:"sphere_left"`
	CylinderRight *float64 `json:"cylinder_right"`
	CylinderLeft  *float64 `json:"cylinder_left"`
	AxisRight     *int     `json:"axis_right"`
	AxisLeft      *int     `json:"axis_left"`
	Addition      *float64 `json:"addition"`
	PD            *float64 `json:"pd"`
}

type CreateCustomerRequest struct {
	OrganizationID    int64   `json:"organization_id"`
	FirstName         string  `json:"first_name" binding:"required,max=100"`
	LastName          string  `json:"last_name" binding:"required,max=100"`
	Email             *string `json:"email"`
	Phone             string  `json:"phone"`
	Mobile            string  `json:"mobile"`
	DateOfBirth       string  `json:"date_of_birth"` // YYYY-MM-DD
	AddressStreet     string  `json:"address_street"`
	AddressCity       string  `json:"address_city"`
	AddressPostalCode string  `json:"address_postal_code"`
	AddressCountry    string  `json:"address_country"`

	InsuranceProvider string `json:"insurance_provider"`
	InsuranceType     string `json:"insurance_type" binding:"omitempty,oneof=gesetzlich privat selbstzahler"`
	InsuranceNumber   string `json:"insurance_number"`

	LastExamDate    string               `json:"last_exam_date"`
	NextAppointment string               `json:"next_appointment"` // RFC3339
	Prescription    *PrescriptionRequest `json:"prescription"`

	Allergies         string `json:"allergies"`
	MedicalNotes      string `json:"medical_notes"`
	FramePreferences  string `json:"frame_preferences"`
	ContactPreference string `json:"contact_preference"`
	Status            string `json:"status" binding:"omitempty,oneof=aktiv inaktiv interessent archiviert"`
}

// UpdateCustomerRequest patches individual fields; nil leaves a field alone.
type UpdateCustomerRequest struct {
	FirstName         *string `json:"first_name"`
	LastName          *string `json:"last_name"`
	Email             *string `json:"email"`
	Phone             *string `json:"phone"`
	Mobile            *string `json:"mobile"`
	DateOfBirth       *string `json:"date_of_birth"`
	AddressStreet     *string `json:"address_street"`
	AddressCity       *string `json:"address_city"`
	AddressPostalCode *string `json:"address_postal_code"`
	AddressCountry    *string `json:"address_country"`

	InsuranceProvider *string `json:"insurance_provider"`
	InsuranceType     *string `json:"insurance_type"`
	InsuranceNumber   *string `json:"insurance_number"`

	LastExamDate    *string              `json:"last_exam_date"`
	NextAppointment *string              `json:"next_appointment"`
	Prescription    *PrescriptionRequest `json:"prescription"`

	Allergies         *string `json:"allergies"`
	MedicalNotes      *string `json:"medical_notes"`
	FramePreferences  *string `json:"frame_preferences"`
	ContactPreference *string `json:"contact_preference"`
	Status            *string `json:"status"`
}

type CustomerFilter struct {
	OrganizationID int64
	Search         string
	Status         string
	InsuranceType  string
	SortBy         string
	SortOrder      string
	Page           int
	Limit          int
}

// --- Interface ---

type CustomerService interface {
	CreateCustomer(ctx context.Context, req CreateCustomerRequest, userID string) (*model.Customer, error)
	GetCustomer(ctx context.Context, organizationID int64, id uint) (*model.Customer, error)
	ListCustomers(ctx context.Context, filter CustomerFilter) ([]model.Customer, int64, error)
	UpdateCustomer(ctx context.Context, organizationID int64, id uint, req UpdateCustomerRequest, userID string) (*model.Customer, error)
	ArchiveCustomer(ctx context.Context, organizationID int64, id uint, userID string) error
}

type customerService struct {
	customerRepo repository.CustomerRepository
	auditRepo    repository.AuditRepository
	txManager    repository.TransactionManager
}

func NewCustomerService(
	customerRepo repository.CustomerRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
) CustomerService {
	return &customerService{
		customerRepo: customerRepo,
		auditRepo:    auditRepo,
		txManager:    txManager,
	}
}

// --- Validation helpers ---

func validateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: invalid email address %q", ErrValidation, email)
	}
	return nil
}

func checkRange(field string, value, min, max float64) error {
	if value < min || value > max {
		return fmt.Errorf("%w: %s %.2f out of range [%.1f, %.1f]", ErrValidation, field, value, min, max)
	}
	return nil
}

func validatePrescription(p *PrescriptionRequest) error {
	if p == nil {
		return nil
	}
	checks := []struct {
		field    string
		value    *float64
		min, max float64
	}{
		{"sphere_right", p.SphereRight, sphereMin, sphereMax},
		{"sphere_left", p.SphereLeft, sphereMin, sphereMax},
		{"cylinder_right", p.CylinderRight, cylinderMin, cylinderMax},
		{"cylinder_left", p.CylinderLeft, cylinderMin, cylinderMax},
		{"addition", p.Addition, additionMin, additionMax},
		{"pd", p.PD, pdMin, pdMax},
	}
	for _, c := range checks {
		if c.value == nil {
			continue
		}
		if err := checkRange(c.field, *c.value, c.min, c.max); err != nil {
			return err
		}
	}
	for _, axis := range []struct {
		field string
		value *int
	}{
		{"axis_right", p.AxisRight},
		{"axis_left", p.AxisLeft},
	} {
		if axis.value == nil {
			continue
		}
		if *axis.value < axisMin || *axis.value > axisMax {
			return fmt.Errorf("%w: %s %d out of range [%d, %d]", ErrValidation, axis.field, *axis.value, axisMin, axisMax)
		}
	}
	return nil
}

func applyPrescription(customer *model.Customer, p *PrescriptionRequest) {
	if p == nil {
		return
	}
	customer.PrescriptionSphereRight = p.SphereRight
	customer.PrescriptionSphereLeft = p.SphereLeft
	customer.PrescriptionCylinderRight = p.CylinderRight
	customer.PrescriptionCylinderLeft = p.CylinderLeft
	customer.PrescriptionAxisRight = p.AxisRight
	customer.PrescriptionAxisLeft = p.AxisLeft
	customer.PrescriptionAddition = p.Addition
	customer.PrescriptionPD = p.PD
}

func parseOptionalDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := parseDate(field, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseOptionalTimestamp(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q, expected RFC3339", ErrValidation, field, value)
	}
	return &t, nil
}

// ensureEmailFree rejects a duplicate email within the organization before
// the insert, so the caller gets a conflict error instead of a raw database
// constraint violation.
func (s *customerService) ensureEmailFree(ctx context.Context, organizationID int64, email string, excludeID uint) error {
	existing, err := s.customerRepo.FindByEmail(ctx, organizationID, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to check email: %w", err)
	}
	if existing.ID != excludeID {
		return fmt.Errorf("%w: email %s already in use", ErrConflict, email)
	}
	return nil
}

// --- Implementation ---

func (s *customerService) CreateCustomer(ctx context.Context, req CreateCustomerRequest, userID string) (*model.Customer, error) {
	organizationID := req.OrganizationID
	if organizationID == 0 {
		organizationID = 1
	}

	if req.Email != nil && *req.Email != "" {
		if err := validateEmail(*req.Email); err != nil {
			return nil, err
		}
		if err := s.ensureEmailFree(ctx, organizationID, *req.Email, 0); err != nil {
			return nil, err
		}
	}
	if err := validatePrescription(req.Prescription); err != nil {
		return nil, err
	}

	dob, err := parseOptionalDate("date_of_birth", req.DateOfBirth)
	if err != nil {
		return nil, err
	}
	lastExam, err := parseOptionalDate("last_exam_date", req.LastExamDate)
	if err != nil {
		return nil, err
	}
	nextAppointment, err := parseOptionalTimestamp("next_appointment", req.NextAppointment)
	if err != nil {
		return nil, err
	}

	status := req.Status
	if status == "" {
		status = model.CustomerStatusProspect
	}
	country := req.AddressCountry
	if country == "" {
		country = "Deutschland"
	}
	contactPref := req.ContactPreference
	if contactPref == "" {
		contactPref = "email"
	}

	customer := &model.Customer{
		OrganizationID:    organizationID,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Email:             req.Email,
		Phone:             req.Phone,
		Mobile:            req.Mobile,
		DateOfBirth:       dob,
		AddressStreet:     req.AddressStreet,
		AddressCity:       req.AddressCity,
		AddressPostalCode: req.AddressPostalCode,
		AddressCountry:    country,
		InsuranceProvider: req.InsuranceProvider,
		InsuranceType:     req.InsuranceType,
		InsuranceNumber:   req.InsuranceNumber,
		LastExamDate:      lastExam,
		NextAppointment:   nextAppointment,
		Allergies:         req.Allergies,
		MedicalNotes:      req.MedicalNotes,
		FramePreferences:  req.FramePreferences,
		ContactPreference: contactPref,
		Status:            status,
	}
	applyPrescription(customer, req.Prescription)

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if createErr := s.customerRepo.Create(txCtx, customer); createErr != nil {
			return fmt.Errorf("failed to create customer: %w", createErr)
		}
		return s.auditCustomer(txCtx, userID, model.ActionCreateCustomer, customer)
	})
	if err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *customerService) GetCustomer(ctx context.Context, organizationID int64, id uint) (*model.Customer, error) {
	customer, err := s.customerRepo.FindByID(ctx, organizationID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: customer %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	return customer, nil
}

var customerSortFields = map[string]bool{
	"created_at": true,
	"last_name":  true,
	"first_name": true,
	"status":     true,
}

func (s *customerService) ListCustomers(ctx context.Context, filter CustomerFilter) ([]model.Customer, int64, error) {
	if filter.OrganizationID == 0 {
		filter.OrganizationID = 1
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	sortBy := filter.SortBy
	if !customerSortFields[sortBy] {
		sortBy = "created_at"
	}

	customers, total, err := s.customerRepo.List(ctx, repository.CustomerListFilter{
		OrganizationID: filter.OrganizationID,
		Search:         filter.Search,
		Status:         filter.Status,
		InsuranceType:  filter.InsuranceType,
		SortBy:         sortBy,
		SortOrder:      filter.SortOrder,
		Page:           filter.Page,
		Limit:          filter.Limit,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch customers: %w", err)
	}
	return customers, total, nil
}

func (s *customerService) UpdateCustomer(ctx context.Context, organizationID int64, id uint, req UpdateCustomerRequest, userID string) (*model.Customer, error) {
	customer, err := s.GetCustomer(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	if req.Email != nil && *req.Email != "" {
		if err := validateEmail(*req.Email); err != nil {
			return nil, err
		}
		if err := s.ensureEmailFree(ctx, organizationID, *req.Email, id); err != nil {
			return nil, err
		}
	}
	if err := validatePrescription(req.Prescription); err != nil {
		return nil, err
	}
	if req.Status != nil {
		switch *req.Status {
		case model.CustomerStatusActive, model.CustomerStatusInactive,
			model.CustomerStatusProspect, model.CustomerStatusArchived:
		default:
			return nil, fmt.Errorf("%w: unknown customer status %q", ErrValidation, *req.Status)
		}
	}
	if req.InsuranceType != nil && *req.InsuranceType != "" {
		switch *req.InsuranceType {
		case model.InsuranceStatutory, model.InsurancePrivate, model.InsuranceSelfPay:
		default:
			return nil, fmt.Errorf("%w: unknown insurance type %q", ErrValidation, *req.InsuranceType)
		}
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&customer.FirstName, req.FirstName)
	setString(&customer.LastName, req.LastName)
	if req.Email != nil {
		if *req.Email == "" {
			customer.Email = nil
		} else {
			customer.Email = req.Email
		}
	}
	setString(&customer.Phone, req.Phone)
	setString(&customer.Mobile, req.Mobile)
	setString(&customer.AddressStreet, req.AddressStreet)
	setString(&customer.AddressCity, req.AddressCity)
	setString(&customer.AddressPostalCode, req.AddressPostalCode)
	setString(&customer.AddressCountry, req.AddressCountry)
	setString(&customer.InsuranceProvider, req.InsuranceProvider)
	setString(&customer.InsuranceType, req.InsuranceType)
	setString(&customer.InsuranceNumber, req.InsuranceNumber)
	setString(&customer.Allergies, req.Allergies)
	setString(&customer.MedicalNotes, req.MedicalNotes)
	setString(&customer.FramePreferences, req.FramePreferences)
	setString(&customer.ContactPreference, req.ContactPreference)
	setString(&customer.Status, req.Status)

	if req.DateOfBirth != nil {
		dob, parseErr := parseOptionalDate("date_of_birth", *req.DateOfBirth)
		if parseErr != nil {
			return nil, parseErr
		}
		customer.DateOfBirth = dob
	}
	if req.LastExamDate != nil {
		lastExam, parseErr := parseOptionalDate("last_exam_date", *req.LastExamDate)
		if parseErr != nil {
			return nil, parseErr
		}
		customer.LastExamDate = lastExam
	}
	if req.NextAppointment != nil {
		next, parseErr := parseOptionalTimestamp("next_appointment", *req.NextAppointment)
		if parseErr != nil {
			return nil, parseErr
		}
		customer.NextAppointment = next
	}
	applyPrescription(customer, req.Prescription)

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if updateErr := s.customerRepo.Update(txCtx, customer); updateErr != nil {
			return fmt.Errorf("failed to update customer: %w", updateErr)
		}
		return s.auditCustomer(txCtx, userID, model.ActionUpdateCustomer, customer)
	})
	if err != nil {
		return nil, err
	}
	return customer, nil
}

// ArchiveCustomer replaces deletion: the customer stays on file for the
// invoices that reference them, just with status archiviert.
func (s *customerService) ArchiveCustomer(ctx context.Context, organizationID int64, id uint, userID string) error {
	customer, err := s.GetCustomer(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if customer.Status == model.CustomerStatusArchived {
		return nil // already archived, idempotent
	}
	customer.Status = model.CustomerStatusArchived

	return s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if updateErr := s.customerRepo.Update(txCtx, customer); updateErr != nil {
			return fmt.Errorf("failed to archive customer: %w", updateErr)
		}
		return s.auditCustomer(txCtx, userID, model.ActionArchiveCustomer, customer)
	})
}

func (s *customerService) auditCustomer(txCtx context.Context, userID, action string, customer *model.Customer) error {
	return writeAuditLog(txCtx, s.auditRepo, userID, action,
		fmt.Sprintf("%d", customer.ID),
		customer.FirstName+" "+customer.LastName,
		map[string]interface{}{
			"customer_id": customer.ID,
			"status":      customer.Status,
		})
}
