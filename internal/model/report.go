package model

import "time"

// MeasureReport is the input of the spreadsheet export.
type MeasureReport struct {
	CustomerCode string
	Type         *MeasureType
	GeneratedAt  time.Time
	Measures     []Measure
}
