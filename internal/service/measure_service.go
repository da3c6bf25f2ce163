package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nurpe/meter-readings/internal/config"
	"github.com/nurpe/meter-readings/internal/imagedata"
	"github.com/nurpe/meter-readings/internal/metrics"
	"github.com/nurpe/meter-readings/internal/model"
	"github.com/nurpe/meter-readings/internal/repository"
	"github.com/nurpe/meter-readings/internal/vision"
)

// MeasureStore is the persistence the lifecycle needs. Lookups report a
// missing row as gorm.ErrRecordNotFound.
type MeasureStore interface {
	CustomerExists(ctx context.Context, code string) (bool, error)
	FindForPeriod(ctx context.Context, customerCode string, measureType model.MeasureType, period model.Period) (*model.Measure, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Measure, error)
	Create(ctx context.Context, measure model.Measure) (*model.Measure, error)
	Confirm(ctx context.Context, id uuid.UUID, value float64) error
	List(ctx context.Context, customerCode string, measureType *model.MeasureType) ([]model.Measure, error)
}

type ExcelGenerator interface {
	Generate(report model.MeasureReport) ([]byte, error)
}

type PDFGenerator interface {
	Generate(measure model.Measure) ([]byte, error)
}

type MeasureService struct {
	store          MeasureStore
	extractor      vision.Extractor
	excel          ExcelGenerator
	pdf            PDFGenerator
	extractTimeout time.Duration
	maxImageBytes  int
	publicBaseURL  string
	log            zerolog.Logger
	now            func() time.Time
}

type SubmitInput struct {
	CustomerCode    string
	MeasureType     string
	Image           string
	MeasureDatetime time.Time
}

type SubmitResult struct {
	Measure  *model.Measure
	ImageURL string
}

type ConfirmInput struct {
	MeasureID string
	// Value is nil when the request carried something other than a number.
	Value *float64
}

type FileResult struct {
	FileName string
	Content  []byte
}

func NewMeasureService(
	store MeasureStore,
	extractor vision.Extractor,
	excel ExcelGenerator,
	pdf PDFGenerator,
	cfg *config.Config,
	log zerolog.Logger,
) *MeasureService {
	return &MeasureService{
		store:          store,
		extractor:      extractor,
		excel:          excel,
		pdf:            pdf,
		extractTimeout: cfg.Vision.Timeout,
		maxImageBytes:  cfg.Upload.MaxImageBytes,
		publicBaseURL:  strings.TrimRight(cfg.HTTP.PublicBaseURL, "/"),
		log:            log,
		now:            time.Now,
	}
}

// Submit validates a reading, rejects a second reading for the same customer,
// type and month before paying for extraction, then stores the extracted value
// as an unconfirmed measure.
func (s *MeasureService) Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	measure, err := s.submit(ctx, input)
	metrics.RecordSubmission(measureTypeLabel(input.MeasureType), submitOutcome(err))
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Measure: measure, ImageURL: s.ImageURL(measure.ID)}, nil
}

func (s *MeasureService) submit(ctx context.Context, input SubmitInput) (*model.Measure, error) {
	measureType := model.MeasureType(input.MeasureType)
	if !measureType.Valid() {
		return nil, fmt.Errorf("%w: measure_type must be WATER or GAS", ErrInvalidData)
	}

	img, err := imagedata.Decode(input.Image, s.maxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	customerCode := strings.TrimSpace(input.CustomerCode)
	if customerCode == "" {
		return nil, fmt.Errorf("%w: customer_code is required", ErrInvalidData)
	}
	exists, err := s.store.CustomerExists(ctx, customerCode)
	if err != nil {
		return nil, fmt.Errorf("%w: customer lookup: %v", ErrInternal, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: customer %s does not exist", ErrInvalidData, customerCode)
	}

	if input.MeasureDatetime.IsZero() {
		return nil, fmt.Errorf("%w: invalid measure_datetime", ErrInvalidData)
	}
	period := model.PeriodOf(input.MeasureDatetime)

	_, err = s.store.FindForPeriod(ctx, customerCode, measureType, period)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateReport, measureType, period)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%w: period lookup: %v", ErrInternal, err)
	}

	value, err := s.extract(ctx, img)
	if err != nil {
		return nil, err
	}

	created, err := s.store.Create(ctx, model.Measure{
		CustomerCode:  customerCode,
		Type:          measureType,
		Value:         value,
		Image:         img.Data,
		ImageMimeType: img.MimeType,
		OccurredAt:    input.MeasureDatetime,
	})
	if err != nil {
		if errors.Is(err, repository.ErrPeriodTaken) {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicateReport, measureType, period)
		}
		return nil, fmt.Errorf("%w: insert measure: %v", ErrInternal, err)
	}

	s.log.Info().
		Str("measure_uuid", created.ID.String()).
		Str("customer_code", customerCode).
		Str("measure_type", string(measureType)).
		Str("period", period.String()).
		Msg("measure created")
	return created, nil
}

func (s *MeasureService) extract(ctx context.Context, img imagedata.Image) (float64, error) {
	if s.extractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.extractTimeout)
		defer cancel()
	}

	start := s.now()
	value, err := s.extractor.ExtractValue(ctx, img)
	metrics.ObserveExtraction(s.now().Sub(start), err == nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: extractor returned %v", ErrExtraction, value)
	}
	return value, nil
}

// Confirm performs the single Unconfirmed -> Confirmed transition and
// overwrites the stored value.
func (s *MeasureService) Confirm(ctx context.Context, input ConfirmInput) error {
	err := s.confirm(ctx, input)
	metrics.RecordConfirmation(confirmOutcome(err))
	return err
}

func (s *MeasureService) confirm(ctx context.Context, input ConfirmInput) error {
	measure, err := s.lookup(ctx, input.MeasureID)
	if err != nil {
		return err
	}

	if input.Value == nil || math.IsNaN(*input.Value) || math.IsInf(*input.Value, 0) {
		return fmt.Errorf("%w: confirmed_value must be a number", ErrInvalidData)
	}

	if measure.Confirmed {
		return ErrDuplicateConfirmation
	}

	if err := s.store.Confirm(ctx, measure.ID, *input.Value); err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyConfirmed):
			return ErrDuplicateConfirmation
		case errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("%w: measure %s", ErrNotFound, measure.ID)
		default:
			return fmt.Errorf("%w: confirm measure: %v", ErrInternal, err)
		}
	}

	s.log.Info().
		Str("measure_uuid", measure.ID.String()).
		Float64("confirmed_value", *input.Value).
		Msg("measure confirmed")
	return nil
}

// List returns the customer's measures, optionally of one type. An empty
// result is reported as ErrNotFound.
func (s *MeasureService) List(ctx context.Context, customerCode, measureType string) ([]model.Measure, error) {
	filter, err := parseTypeFilter(measureType)
	if err != nil {
		return nil, err
	}

	measures, err := s.store.List(ctx, strings.TrimSpace(customerCode), filter)
	if err != nil {
		return nil, fmt.Errorf("%w: list measures: %v", ErrInternal, err)
	}
	if len(measures) == 0 {
		return nil, fmt.Errorf("%w: no measures for customer %s", ErrNotFound, customerCode)
	}
	return measures, nil
}

func (s *MeasureService) Get(ctx context.Context, id string) (*model.Measure, error) {
	return s.lookup(ctx, id)
}

func (s *MeasureService) ImageURL(id uuid.UUID) string {
	return fmt.Sprintf("%s/measures/%s/image", s.publicBaseURL, id)
}

func (s *MeasureService) ExportMeasures(ctx context.Context, customerCode, measureType string) (*FileResult, error) {
	measures, err := s.List(ctx, customerCode, measureType)
	if err != nil {
		return nil, err
	}
	filter, _ := parseTypeFilter(measureType)

	report := model.MeasureReport{
		CustomerCode: strings.TrimSpace(customerCode),
		Type:         filter,
		GeneratedAt:  s.now().UTC(),
		Measures:     measures,
	}
	content, err := s.excel.Generate(report)
	if err != nil {
		return nil, fmt.Errorf("%w: generate spreadsheet: %v", ErrInternal, err)
	}

	name := "all"
	if filter != nil {
		name = strings.ToLower(string(*filter))
	}
	return &FileResult{
		FileName: fmt.Sprintf("measures-%s-%s-%s.xlsx", sanitizeFileName(report.CustomerCode), name, report.GeneratedAt.Format("20060102")),
		Content:  content,
	}, nil
}

func (s *MeasureService) MeasureReceipt(ctx context.Context, id string) (*FileResult, error) {
	measure, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	content, err := s.pdf.Generate(*measure)
	if err != nil {
		return nil, fmt.Errorf("%w: generate receipt: %v", ErrInternal, err)
	}
	return &FileResult{
		FileName: fmt.Sprintf("measure-%s.pdf", measure.ID),
		Content:  content,
	}, nil
}

// lookup treats ids that are not UUIDs as unknown rather than malformed.
func (s *MeasureService) lookup(ctx context.Context, rawID string) (*model.Measure, error) {
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return nil, fmt.Errorf("%w: measure %s", ErrNotFound, rawID)
	}

	measure, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: measure %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: get measure: %v", ErrInternal, err)
	}
	return measure, nil
}

func parseTypeFilter(raw string) (*model.MeasureType, error) {
	if raw == "" {
		return nil, nil
	}
	measureType := model.MeasureType(raw)
	if !measureType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, raw)
	}
	return &measureType, nil
}

func measureTypeLabel(raw string) string {
	if model.MeasureType(raw).Valid() {
		return raw
	}
	return "invalid"
}

func submitOutcome(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrInvalidData):
		return "invalid_data"
	case errors.Is(err, ErrDuplicateReport):
		return "double_report"
	case errors.Is(err, ErrExtraction):
		return "extraction_failed"
	default:
		return "error"
	}
}

func confirmOutcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidData):
		return "invalid_data"
	case errors.Is(err, ErrDuplicateConfirmation):
		return "duplicate"
	default:
		return "error"
	}
}

func sanitizeFileName(input string) string {
	result := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z':
			result = append(result, r)
		case r >= 'A' && r <= 'Z':
			result = append(result, r)
		case r >= '0' && r <= '9':
			result = append(result, r)
		case r == '-', r == '_':
			result = append(result, r)
		default:
			result = append(result, '-')
		}
	}
	return strings.Trim(string(result), "-")
}
