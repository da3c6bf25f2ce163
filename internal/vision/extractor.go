// Package vision reads meter values out of photographs using an external
// generative vision model.
package vision

import (
	"context"
	"errors"

	"github.com/nurpe/meter-readings/internal/imagedata"
)

var ErrExtraction = errors.New("value extraction failed")

// Extractor returns the numeric reading shown in img. Implementations wrap
// every failure in ErrExtraction.
type Extractor interface {
	ExtractValue(ctx context.Context, img imagedata.Image) (float64, error)
}
