package model

import (
	"time"
)

// CustomerStatus enum constants (German UI vocabulary, persisted as-is)
const (
	CustomerStatusActive   = "aktiv"
	CustomerStatusInactive = "inaktiv"
	CustomerStatusProspect = "interessent"
	CustomerStatusArchived = "archiviert"
)

// InsuranceType enum constants
const (
	InsuranceStatutory = "gesetzlich"
	InsurancePrivate   = "privat"
	InsuranceSelfPay   = "selbstzahler"
)

// Customer represents an optician customer with prescription and insurance data.
// Archiving (status = archiviert) replaces physical deletion so invoices keep
// their customer reference.
type Customer struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	OrganizationID int64   `gorm:"not null;default:1;index;uniqueIndex:idx_customers_org_email" json:"organization_id"`
	FirstName      string  `gorm:"type:varchar(100);not null" json:"first_name"`
	LastName       string  `gorm:"type:varchar(100);not null" json:"last_name"`
	Email          *string `gorm:"type:varchar(255);uniqueIndex:idx_customers_org_email" json:"email"`
	Phone          string  `gorm:"type:varchar(20)" json:"phone"`
	Mobile         string  `gorm:"type:varchar(20)" json:"mobile"`
	DateOfBirth    *time.Time `gorm:"type:date" json:"date_of_birth"`

	AddressStreet     string `gorm:"type:varchar(200)" json:"address_street"`
	AddressCity       string `gorm:"type:varchar(100)" json:"address_city"`
	AddressPostalCode string `gorm:"type:varchar(10)" json:"address_postal_code"`
	AddressCountry    string `gorm:"type:varchar(50);default:'Deutschland'" json:"address_country"`

	// Insurance (Krankenkasse)
	InsuranceProvider string `gorm:"type:varchar(100)" json:"insurance_provider"`
	InsuranceType     string `gorm:"type:varchar(20)" json:"insurance_type"` // gesetzlich, privat, selbstzahler
	InsuranceNumber   string `gorm:"type:varchar(50)" json:"insurance_number"`

	// Optical prescription. Dioptre values are measurements, not money,
	// so plain floats are fine here.
	LastExamDate              *time.Time `gorm:"type:date" json:"last_exam_date"`
	NextAppointment           *time.Time `json:"next_appointment"`
	PrescriptionSphereRight   *float64   `gorm:"type:decimal(5,2)" json:"prescription_sphere_right"`
	PrescriptionSphereLeft    *float64   `gorm:"type:decimal(5,2)" json:"prescription_sphere_left"`
	PrescriptionCylinderRight *float64   `gorm:"type:decimal(5,2)" json:"prescription_cylinder_right"`
	PrescriptionCylinderLeft  *float64   `gorm:"type:decimal(5,2)" json:"prescription_cylinder_left"`
	PrescriptionAxisRight     *int       `json:"prescription_axis_right"`
	PrescriptionAxisLeft      *int       `json:"prescription_axis_left"`
	PrescriptionAddition      *float64   `gorm:"type:decimal(4,2)" json:"prescription_addition"`
	PrescriptionPD            *float64   `gorm:"type:decimal(4,1)" json:"prescription_pd"` // Pupillendistanz in mm

	Allergies         string `gorm:"type:varchar(500)" json:"allergies"`
	MedicalNotes      string `gorm:"type:varchar(1000)" json:"medical_notes"`
	FramePreferences  string `gorm:"type:varchar(500)" json:"frame_preferences"`
	ContactPreference string `gorm:"type:varchar(20);default:'email'" json:"contact_preference"`

	Status    string    `gorm:"type:varchar(20);not null;default:'interessent';index" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
