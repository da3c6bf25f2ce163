package model

import (
	"time"

	"github.com/google/uuid"
)

type MeasureType string

const (
	MeasureTypeWater MeasureType = "WATER"
	MeasureTypeGas   MeasureType = "GAS"
)

func (t MeasureType) Valid() bool {
	switch t {
	case MeasureTypeWater, MeasureTypeGas:
		return true
	default:
		return false
	}
}

// Measure is a single meter reading. Period columns are derived from
// OccurredAt so the monthly rule can be backed by a unique index.
type Measure struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	CustomerCode  string      `gorm:"column:customer_code;not null;uniqueIndex:uq_measures_period,priority:1;index:idx_measures_customer"`
	Type          MeasureType `gorm:"column:type;not null;uniqueIndex:uq_measures_period,priority:2"`
	Value         float64     `gorm:"column:value;not null"`
	Image         []byte      `gorm:"column:image;not null"`
	ImageMimeType string      `gorm:"column:image_mime_type;not null"`
	OccurredAt    time.Time   `gorm:"column:occurred_at;not null"`
	PeriodYear    int         `gorm:"column:period_year;not null;uniqueIndex:uq_measures_period,priority:3"`
	PeriodMonth   int         `gorm:"column:period_month;not null;uniqueIndex:uq_measures_period,priority:4"`
	Confirmed     bool        `gorm:"column:confirmed;not null;default:false"`
	ConfirmedAt   *time.Time  `gorm:"column:confirmed_at"`
	CreatedAt     time.Time   `gorm:"column:created_at;not null"`
}

func (Measure) TableName() string {
	return "measures"
}

// Period is the calendar month a reading applies to.
type Period struct {
	Year  int
	Month int
}

func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: int(t.Month())}
}

func (p Period) String() string {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}
