package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nurpe/meter-readings/internal/http/middleware"
	"github.com/nurpe/meter-readings/internal/imagedata"
	"github.com/nurpe/meter-readings/internal/model"
	"github.com/nurpe/meter-readings/internal/service"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	listTimeLayout  = "2006-01-02 15:04:05"
)

type Handler struct {
	measures *service.MeasureService
	log      zerolog.Logger
}

func NewHandler(measures *service.MeasureService, log zerolog.Logger) *Handler {
	return &Handler{measures: measures, log: log}
}

// Register mounts the measure routes. authMiddleware may be nil, in which
// case the routes are public. Image links are always public because they are
// handed out in upload responses.
func (h *Handler) Register(router gin.IRouter, authMiddleware gin.HandlerFunc, uploadMiddleware ...gin.HandlerFunc) {
	router.GET("/measures/:measure_uuid/image", h.measureImage)

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}
	protected.POST("/upload", append(uploadMiddleware, h.upload)...)
	protected.PATCH("/confirm", h.confirm)
	protected.GET("/:customer_code/list", h.list)
	protected.GET("/:customer_code/list/export", h.exportList)
	protected.GET("/measures/:measure_uuid/receipt", h.measureReceipt)
}

type uploadRequest struct {
	Image           string `json:"image"`
	CustomerCode    string `json:"customer_code"`
	MeasureDatetime string `json:"measure_datetime"`
	MeasureType     string `json:"measure_type"`
}

type uploadResponse struct {
	ImageURL     string  `json:"image_url"`
	MeasureValue float64 `json:"measure_value"`
	MeasureUUID  string  `json:"measure_uuid"`
}

func (h *Handler) upload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "INVALID_DATA", "request body too large")
			return
		}
		writeError(c, http.StatusBadRequest, "INVALID_DATA", "request body must be a JSON object with string fields")
		return
	}

	// An unparseable date is left zero and reported by the service, so the
	// other fields are still validated first.
	occurredAt, _ := parseDate(req.MeasureDatetime)

	result, err := h.measures.Submit(c.Request.Context(), service.SubmitInput{
		CustomerCode:    req.CustomerCode,
		MeasureType:     req.MeasureType,
		Image:           req.Image,
		MeasureDatetime: occurredAt,
	})
	if err != nil {
		h.handleUploadError(c, err)
		return
	}

	c.JSON(http.StatusOK, uploadResponse{
		ImageURL:     result.ImageURL,
		MeasureValue: result.Measure.Value,
		MeasureUUID:  result.Measure.ID.String(),
	})
}

func (h *Handler) confirm(c *gin.Context) {
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil || body == nil {
		writeError(c, http.StatusBadRequest, "INVALID_DATA", "request body must be a JSON object")
		return
	}

	var measureID string
	if err := json.Unmarshal(body["measure_uuid"], &measureID); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_DATA", "measure_uuid must be a string")
		return
	}

	// The value is checked by the service after the lookup so an unknown
	// measure is reported as such whatever value was sent.
	var value *float64
	if raw, ok := body["confirmed_value"]; ok {
		var parsed float64
		if err := json.Unmarshal(raw, &parsed); err == nil {
			value = &parsed
		}
	}

	err := h.measures.Confirm(c.Request.Context(), service.ConfirmInput{
		MeasureID: measureID,
		Value:     value,
	})
	if err != nil {
		h.handleConfirmError(c, err)
		return
	}

	if principal, ok := middleware.MustPrincipal(c); ok {
		h.log.Info().
			Str("measure_uuid", measureID).
			Str("subject", principal.Subject).
			Msg("confirmation accepted")
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type listedMeasure struct {
	UUID            string  `json:"uuid"`
	Value           float64 `json:"value"`
	Image           string  `json:"image"`
	MeasureDatetime string  `json:"measure_datetime"`
	MeasureType     string  `json:"measure_type"`
	CustomerCode    string  `json:"customer_code"`
}

type listResponse struct {
	CustomerCode string          `json:"customer_code"`
	Measures     []listedMeasure `json:"measures"`
}

func (h *Handler) list(c *gin.Context) {
	h.listFor(c, c.Param("customer_code"))
}

func (h *Handler) listFor(c *gin.Context, customerCode string) {
	measures, err := h.measures.List(c.Request.Context(), customerCode, c.Query("measure_type"))
	if err != nil {
		h.handleListError(c, err)
		return
	}

	resp := listResponse{
		CustomerCode: customerCode,
		Measures:     make([]listedMeasure, 0, len(measures)),
	}
	for _, measure := range measures {
		resp.Measures = append(resp.Measures, toListedMeasure(measure))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) exportList(c *gin.Context) {
	h.exportFor(c, c.Param("customer_code"))
}

func (h *Handler) exportFor(c *gin.Context, customerCode string) {
	result, err := h.measures.ExportMeasures(c.Request.Context(), customerCode, c.Query("measure_type"))
	if err != nil {
		h.handleListError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+result.FileName+"\"")
	c.Data(http.StatusOK, xlsxContentType, result.Content)
}

// NotFound serves unmatched requests. Customer codes equal to a static
// first segment ("measures", "upload", ...) lose the route match to gin's
// static branch, so their list and export paths are resolved here.
func (h *Handler) NotFound(c *gin.Context) {
	segments := strings.Split(strings.Trim(c.Request.URL.Path, "/"), "/")
	if c.Request.Method == http.MethodGet && len(segments) >= 2 && segments[0] != "" && segments[1] == "list" {
		switch {
		case len(segments) == 2:
			h.listFor(c, segments[0])
			return
		case len(segments) == 3 && segments[2] == "export":
			h.exportFor(c, segments[0])
			return
		}
	}
	writeError(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func (h *Handler) measureImage(c *gin.Context) {
	measure, err := h.measures.Get(c.Request.Context(), c.Param("measure_uuid"))
	if err != nil {
		h.handleLookupError(c, err)
		return
	}

	contentType := measure.ImageMimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, contentType, measure.Image)
}

func (h *Handler) measureReceipt(c *gin.Context) {
	result, err := h.measures.MeasureReceipt(c.Request.Context(), c.Param("measure_uuid"))
	if err != nil {
		h.handleLookupError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+result.FileName+"\"")
	c.Data(http.StatusOK, "application/pdf", result.Content)
}

func (h *Handler) handleUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidData):
		writeError(c, http.StatusBadRequest, "INVALID_DATA", err.Error())
	case errors.Is(err, service.ErrDuplicateReport):
		writeError(c, http.StatusConflict, "DOUBLE_REPORT", "Leitura do mês já realizada")
	case errors.Is(err, service.ErrExtraction):
		h.log.Warn().Err(err).Msg("value extraction failed")
		writeError(c, http.StatusBadGateway, "EXTRACTION_FAILED", "could not read a value from the image")
	default:
		h.logInternal(c, err, "submit measure failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func (h *Handler) handleConfirmError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(c, http.StatusNotFound, "MEASURE_NOT_FOUND", "Leitura não encontrada")
	case errors.Is(err, service.ErrInvalidData):
		writeError(c, http.StatusBadRequest, "INVALID_DATA", err.Error())
	case errors.Is(err, service.ErrDuplicateConfirmation):
		writeError(c, http.StatusConflict, "CONFIRMATION_DUPLICATE", "Leitura do mês já realizada")
	default:
		h.logInternal(c, err, "confirm measure failed")
		writeError(c, http.StatusBadRequest, "INTERNAL_ERROR", "internal error")
	}
}

func (h *Handler) handleListError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidType):
		writeError(c, http.StatusBadRequest, "INVALID_TYPE", "Tipo de medição não permitida")
	case errors.Is(err, service.ErrNotFound):
		writeError(c, http.StatusNotFound, "MEASURES_NOT_FOUND", "Nenhuma leitura encontrada")
	default:
		h.logInternal(c, err, "list measures failed")
		writeError(c, http.StatusBadRequest, "INTERNAL_ERROR", "internal error")
	}
}

func (h *Handler) handleLookupError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrNotFound) {
		writeError(c, http.StatusNotFound, "MEASURE_NOT_FOUND", "Leitura não encontrada")
		return
	}
	h.logInternal(c, err, "load measure failed")
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

func (h *Handler) logInternal(c *gin.Context, err error, msg string) {
	_ = c.Error(err)
	h.log.Error().Err(err).Str("route", c.FullPath()).Msg(msg)
}

func writeError(c *gin.Context, status int, code, description string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error_code":        code,
		"error_description": description,
	})
}

func toListedMeasure(measure model.Measure) listedMeasure {
	return listedMeasure{
		UUID:            measure.ID.String(),
		Value:           measure.Value,
		Image:           imagedata.Encode(measure.Image),
		MeasureDatetime: measure.OccurredAt.UTC().Format(listTimeLayout),
		MeasureType:     string(measure.Type),
		CustomerCode:    measure.CustomerCode,
	}
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, service.ErrInvalidData
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		listTimeLayout,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, service.ErrInvalidData
}
