package excel

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nurpe/meter-readings/internal/model"
)

const measuresSheet = "Measures"

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Generate(report model.MeasureReport) ([]byte, error) {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName("Sheet1", measuresSheet); err != nil {
		return nil, err
	}
	if err := g.writeMeasures(file, measuresSheet, report); err != nil {
		return nil, err
	}

	file.SetActiveSheet(0)
	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Generator) writeMeasures(file *excelize.File, sheet string, report model.MeasureReport) error {
	var setErr error
	set := func(cell string, value interface{}) {
		if err := file.SetCellValue(sheet, cell, value); err != nil && setErr == nil {
			setErr = err
		}
	}

	set("A1", "Customer")
	set("B1", report.CustomerCode)
	set("A2", "Type")
	set("B2", typeLabel(report.Type))
	set("A3", "Generated at")
	set("B3", formatDateTime(report.GeneratedAt))
	set("A4", "Measures")
	set("B4", len(report.Measures))
	set("A5", "Confirmed")
	set("B5", countConfirmed(report.Measures))

	tableRow := 7
	headers := []string{
		"UUID",
		"Type",
		"Measure date",
		"Period",
		"Value",
		"Confirmed",
		"Confirmed at",
	}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, tableRow)
		set(cell, header)
	}

	for i, measure := range report.Measures {
		row := tableRow + 1 + i
		set(fmt.Sprintf("A%d", row), measure.ID.String())
		set(fmt.Sprintf("B%d", row), string(measure.Type))
		set(fmt.Sprintf("C%d", row), formatDateTime(measure.OccurredAt))
		set(fmt.Sprintf("D%d", row), model.PeriodOf(measure.OccurredAt).String())
		set(fmt.Sprintf("E%d", row), measure.Value)
		set(fmt.Sprintf("F%d", row), yesNo(measure.Confirmed))
		set(fmt.Sprintf("G%d", row), formatOptionalTime(measure.ConfirmedAt))
	}

	_ = file.SetColWidth(sheet, "A", "A", 38)
	_ = file.SetColWidth(sheet, "B", "B", 10)
	_ = file.SetColWidth(sheet, "C", "C", 20)
	_ = file.SetColWidth(sheet, "D", "D", 10)
	_ = file.SetColWidth(sheet, "E", "E", 14)
	_ = file.SetColWidth(sheet, "F", "F", 11)
	_ = file.SetColWidth(sheet, "G", "G", 20)
	return setErr
}

func typeLabel(measureType *model.MeasureType) string {
	if measureType == nil {
		return "ALL"
	}
	return string(*measureType)
}

func countConfirmed(measures []model.Measure) int {
	total := 0
	for _, measure := range measures {
		if measure.Confirmed {
			total++
		}
	}
	return total
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func formatDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatDateTime(*t)
}
