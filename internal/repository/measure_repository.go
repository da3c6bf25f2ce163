package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/nurpe/meter-readings/internal/model"
)

var (
	// ErrPeriodTaken is returned by Create when the customer already has a
	// measure of the same type in the same calendar month.
	ErrPeriodTaken = errors.New("measure already reported for period")
	// ErrAlreadyConfirmed is returned by Confirm when the measure left the
	// unconfirmed state before the update ran.
	ErrAlreadyConfirmed = errors.New("measure already confirmed")
)

const uniqueViolationCode = "23505"

type MeasureRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewMeasureRepository(db *gorm.DB) *MeasureRepository {
	return &MeasureRepository{db: db, now: time.Now}
}

func (r *MeasureRepository) CustomerExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Customer{}).
		Where("customer_code = ?", code).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *MeasureRepository) FindForPeriod(
	ctx context.Context,
	customerCode string,
	measureType model.MeasureType,
	period model.Period,
) (*model.Measure, error) {
	return findForPeriod(r.db.WithContext(ctx), customerCode, measureType, period)
}

func (r *MeasureRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Measure, error) {
	var measure model.Measure
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&measure).Error
	if err != nil {
		return nil, err
	}
	return &measure, nil
}

// Create inserts a new unconfirmed measure. The period check is repeated
// inside the transaction and the unique index catches any remaining race.
func (r *MeasureRepository) Create(ctx context.Context, measure model.Measure) (*model.Measure, error) {
	period := model.PeriodOf(measure.OccurredAt)
	measure.ID = uuid.New()
	measure.OccurredAt = measure.OccurredAt.UTC()
	measure.PeriodYear = period.Year
	measure.PeriodMonth = period.Month
	measure.Confirmed = false
	measure.ConfirmedAt = nil
	measure.CreatedAt = r.now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := findForPeriod(tx, measure.CustomerCode, measure.Type, period)
		switch {
		case err == nil:
			return ErrPeriodTaken
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Create(&measure).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrPeriodTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &measure, nil
}

// Confirm moves a measure to the confirmed state and overwrites its value.
// The update is conditional on confirmed = false, so of two concurrent
// confirmations exactly one succeeds.
func (r *MeasureRepository) Confirm(ctx context.Context, id uuid.UUID, value float64) error {
	confirmedAt := r.now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Measure{}).
			Where("id = ? AND confirmed = ?", id, false).
			Updates(map[string]interface{}{
				"confirmed":    true,
				"value":        value,
				"confirmed_at": confirmedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			return nil
		}

		var count int64
		if err := tx.Model(&model.Measure{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
		return ErrAlreadyConfirmed
	})
}

func (r *MeasureRepository) List(
	ctx context.Context,
	customerCode string,
	measureType *model.MeasureType,
) ([]model.Measure, error) {
	query := r.db.WithContext(ctx).Where("customer_code = ?", customerCode)
	if measureType != nil {
		query = query.Where("type = ?", *measureType)
	}

	var measures []model.Measure
	if err := query.Order("created_at ASC").Order("id ASC").Find(&measures).Error; err != nil {
		return nil, err
	}
	return measures, nil
}

func findForPeriod(
	db *gorm.DB,
	customerCode string,
	measureType model.MeasureType,
	period model.Period,
) (*model.Measure, error) {
	var measure model.Measure
	err := db.
		Where("customer_code = ? AND type = ? AND period_year = ? AND period_month = ?",
			customerCode, measureType, period.Year, period.Month).
		Take(&measure).Error
	if err != nil {
		return nil, err
	}
	return &measure, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
