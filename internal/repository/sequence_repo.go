package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// SequenceRepository allocates invoice numbers from the per-(organization,
// year) counter table. Numbering must be gapless under concurrent access
// (GoB), so the allocation has to come from the storage engine, never from
// a read-then-write in application code.
type SequenceRepository interface {
	NextNumber(ctx context.Context, organizationID int64, year int) (int64, error)
}

type sequenceRepository struct {
	db *gorm.DB
}

func NewSequenceRepository(db *gorm.DB) SequenceRepository {
	return &sequenceRepository{db: db}
}

// NextNumber atomically increments the counter for (organizationID, year),
// creating the row on first use, and returns the new value. The upsert takes
// a row lock on the counter, so concurrent allocations for the same
// organization and year serialize on that row; different tenants never
// contend. Run inside the caller's transaction (via ctx) the increment rolls
// back together with the invoice write, which is what keeps the sequence
// gapless when a creation aborts.
func (r *sequenceRepository) NextNumber(ctx context.Context, organizationID int64, year int) (int64, error) {
	var next int64
	err := GetDB(ctx, r.db).Raw(`
		INSERT INTO invoice_sequences (organization_id, year, last_number)
		VALUES (?, ?, 1)
		ON CONFLICT (organization_id, year)
		DO UPDATE SET last_number = invoice_sequences.last_number + 1
		RETURNING last_number`,
		organizationID, year,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	if next <= 0 {
		return 0, fmt.Errorf("sequence returned invalid value %d for organization %d year %d", next, organizationID, year)
	}
	return next, nil
}
