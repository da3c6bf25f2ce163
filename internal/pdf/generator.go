package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/nurpe/meter-readings/internal/model"
)

// gofpdf can embed these formats; other photos are listed without a preview.
var imageTypes = map[string]string{
	"image/png":  "PNG",
	"image/jpeg": "JPG",
	"image/gif":  "GIF",
}

type Generator struct {
	fontName string
}

func NewGenerator() *Generator {
	return &Generator{fontName: "DejaVuSans"}
}

// Generate renders a one-page receipt for a measure with its photo.
func (g *Generator) Generate(measure model.Measure) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	// Customer codes and names are UTF-8; the core fonts only cover cp1252.
	pdf.AddUTF8FontFromBytes(g.fontName, "", regularFont)
	pdf.AddUTF8FontFromBytes(g.fontName, "B", boldFont)

	pdf.SetFont(g.fontName, "B", 14)
	pdf.CellFormat(0, 10, "Meter reading receipt", "", 1, "C", false, 0, "")
	pdf.SetFont(g.fontName, "", 10)
	pdf.CellFormat(0, 6, measure.ID.String(), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	rows := [][2]string{
		{"Customer", measure.CustomerCode},
		{"Type", string(measure.Type)},
		{"Measure date", formatDateTime(measure.OccurredAt)},
		{"Period", model.PeriodOf(measure.OccurredAt).String()},
		{"Value", formatAmount(measure.Value)},
		{"Status", statusLabel(measure)},
		{"Recorded at", formatDateTime(measure.CreatedAt)},
	}
	widths := []float64{50, 130}
	for _, row := range rows {
		drawTableRow(pdf, g.fontName, row, widths)
	}

	if imageType, ok := imageTypes[measure.ImageMimeType]; ok && len(measure.Image) > 0 {
		pdf.Ln(6)
		name := "measure-" + measure.ID.String()
		pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: imageType}, bytes.NewReader(measure.Image))
		if pdf.Ok() {
			pdf.ImageOptions(name, pdf.GetX(), pdf.GetY(), 90, 0, false, gofpdf.ImageOptions{ImageType: imageType}, 0, "")
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawTableRow(pdf *gofpdf.Fpdf, fontName string, row [2]string, widths []float64) {
	pdf.SetFont(fontName, "B", 10)
	pdf.CellFormat(widths[0], 8, row[0], "1", 0, "L", false, 0, "")
	pdf.SetFont(fontName, "", 10)
	pdf.CellFormat(widths[1], 8, safeValue(row[1]), "1", 0, "L", false, 0, "")
	pdf.Ln(-1)
}

func statusLabel(measure model.Measure) string {
	if !measure.Confirmed {
		return "Awaiting confirmation"
	}
	if measure.ConfirmedAt == nil {
		return "Confirmed"
	}
	return "Confirmed on " + formatDateTime(*measure.ConfirmedAt)
}

func safeValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func formatAmount(value float64) string {
	return fmt.Sprintf("%.3f", value)
}

func formatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
