package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurpe/meter-readings/internal/auth"
	"github.com/nurpe/meter-readings/internal/config"
	"github.com/nurpe/meter-readings/internal/excel"
	"github.com/nurpe/meter-readings/internal/http/middleware"
	"github.com/nurpe/meter-readings/internal/imagedata"
	"github.com/nurpe/meter-readings/internal/pdf"
	"github.com/nurpe/meter-readings/internal/repository"
	"github.com/nurpe/meter-readings/internal/service"
	"github.com/nurpe/meter-readings/internal/testutil"
	"github.com/nurpe/meter-readings/internal/vision"
)

type fixedExtractor struct {
	value float64
	err   error
}

func (f fixedExtractor) ExtractValue(ctx context.Context, img imagedata.Image) (float64, error) {
	return f.value, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		HTTP:        config.HTTPConfig{PublicBaseURL: "http://meters.test"},
		Vision:      config.VisionConfig{Timeout: time.Second},
		Upload:      config.UploadConfig{MaxImageBytes: 1 << 20},
	}
}

func setupRouter(t *testing.T, extractor vision.Extractor, authMiddleware gin.HandlerFunc) *gin.Engine {
	t.Helper()
	return setupRouterWith(t, testConfig(), extractor, authMiddleware, zerolog.Nop(), "C1")
}

func setupRouterWith(
	t *testing.T,
	cfg *config.Config,
	extractor vision.Extractor,
	authMiddleware gin.HandlerFunc,
	log zerolog.Logger,
	customers ...string,
) *gin.Engine {
	t.Helper()

	database := testutil.NewDB(t)
	for _, code := range customers {
		testutil.SeedCustomer(t, database, code)
	}
	svc := service.NewMeasureService(
		repository.NewMeasureRepository(database),
		extractor,
		excel.NewGenerator(),
		pdf.NewGenerator(),
		cfg,
		zerolog.Nop(),
	)
	return NewRouter(NewHandler(svc, log), cfg, authMiddleware, zerolog.Nop())
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(1, 1, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func uploadBody(t *testing.T, measureType, datetime string) map[string]string {
	return uploadBodyFor(t, "C1", measureType, datetime)
}

func uploadBodyFor(t *testing.T, customer, measureType, datetime string) map[string]string {
	return map[string]string{
		"image":            base64.StdEncoding.EncodeToString(pngBytes(t)),
		"customer_code":    customer,
		"measure_datetime": datetime,
		"measure_type":     measureType,
	}
}

func uploadMeasure(t *testing.T, router *gin.Engine) string {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/upload", uploadBody(t, "WATER", "2024-05-10T10:00:00Z"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["measure_uuid"].(string)
}

func TestUploadAndList(t *testing.T) {
	router := setupRouter(t, fixedExtractor{value: 321.5}, nil)

	rec := doJSON(t, router, http.MethodPost, "/upload", uploadBody(t, "WATER", "2024-05-10T10:00:00Z"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	id := body["measure_uuid"].(string)
	assert.Equal(t, 321.5, body["measure_value"])
	assert.Equal(t, "http://meters.test/measures/"+id+"/image", body["image_url"])

	rec = doJSON(t, router, http.MethodGet, "/C1/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "C1", list.CustomerCode)
	require.Len(t, list.Measures, 1)
	assert.Equal(t, id, list.Measures[0].UUID)
	assert.Equal(t, "2024-05-10 10:00:00", list.Measures[0].MeasureDatetime)
	assert.Equal(t, "WATER", list.Measures[0].MeasureType)

	raw, err := base64.StdEncoding.DecodeString(list.Measures[0].Image)
	require.NoError(t, err)
	assert.Equal(t, pngBytes(t), raw)
}

func TestUploadErrors(t *testing.T) {
	router := setupRouter(t, fixedExtractor{value: 1}, nil)

	rec := doJSON(t, router, http.MethodPost, "/upload", uploadBody(t, "WATER", "2024-05-10"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cases := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"same month", uploadBody(t, "WATER", "2024-05-28 08:00:00"), http.StatusConflict, "DOUBLE_REPORT"},
		{"bad type", uploadBody(t, "POWER", "2024-06-01"), http.StatusBadRequest, "INVALID_DATA"},
		{"bad date", uploadBody(t, "GAS", "yesterday"), http.StatusBadRequest, "INVALID_DATA"},
		{"not json", "{", http.StatusBadRequest, "INVALID_DATA"},
		{"wrong field type", `{"image": 5, "customer_code": "C1"}`, http.StatusBadRequest, "INVALID_DATA"},
		{
			"unknown customer",
			map[string]string{
				"image":            base64.StdEncoding.EncodeToString(pngBytes(t)),
				"customer_code":    "NOPE",
				"measure_datetime": "2024-06-01",
				"measure_type":     "GAS",
			},
			http.StatusBadRequest,
			"INVALID_DATA",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/upload", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["error_code"])
		})
	}
}

func TestUploadExtractionFailure(t *testing.T) {
	router := setupRouter(t, fixedExtractor{err: errors.New("model unavailable")}, nil)

	rec := doJSON(t, router, http.MethodPost, "/upload", uploadBody(t, "GAS", "2024-05-10"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "EXTRACTION_FAILED", decodeBody(t, rec)["error_code"])
	assert.NotContains(t, rec.Body.String(), "model unavailable")

	rec = doJSON(t, router, http.MethodGet, "/C1/list", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmLifecycle(t *testing.T) {
	router := setupRouter(t, fixedExtractor{value: 100}, nil)
	id := uploadMeasure(t, router)

	rec := doJSON(t, router, http.MethodPatch, "/confirm", map[string]interface{}{
		"measure_uuid":    id,
		"confirmed_value": "abc",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_DATA", decodeBody(t, rec)["error_code"])

	rec = doJSON(t, router, http.MethodPatch, "/confirm", map[string]interface{}{
		"measure_uuid":    id,
		"confirmed_value": 123.4,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	rec = doJSON(t, router, http.MethodPatch, "/confirm", map[string]interface{}{
		"measure_uuid":    id,
		"confirmed_value": 999,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFIRMATION_DUPLICATE", decodeBody(t, rec)["error_code"])

	rec = doJSON(t, router, http.MethodGet, "/C1/list", nil)
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Measures, 1)
	assert.Equal(t, 123.4, list.Measures[0].Value)
}

func TestConfirmUnknownMeasure(t *testing.T) {
	router := setupRouter(t, fixedExtractor{value: 1}, nil)

	bodies := []string{
		`{"measure_uuid": "6f1c8f5e-3c7a-4f53-9d8e-1f7c2b1a9e00", "confirmed_value": 10}`,
		`{"measure_uuid": "6f1c8f5e-3c7a-4f53-9d8e-1f7c2b1a9e00", "confirmed_value": "ten"}`,
		`{"measure_uuid": "not-a-uuid"}`,
	}
	for _, body := range bodies {
		rec := doJSON(t, router, http.MethodPatch, "/confirm", body)
		assert.Equal(t, http.StatusNotFound, rec.Code, body)
		assert.Equal(t, "MEASURE_NOT_FOUND", decodeBody(t, rec)["error_code"])
	}

	rec := doJSON(t, router, http.MethodPatch, "/confirm", `{"measure_uuid": 12, "confirmed_value": 10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_DATA", decodeBody(t, rec)["error_code"])
}

func TestListErrors(t *testing.T) {
	router := setupRouter(t, fixedExtractor{value: 1}, nil)
	uploadMeasure(t, router)

	rec := doJSON(t, router, http.MethodGet, "/C1/list?measure_type=POWER", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TYPE", decodeBody(t, rec)["error_code"])

	rec = doJSON(t, router, http.MethodGet, "/C1/list?measure_type=GAS", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MEASURES_NOT_FOUND", decodeBody(t, rec)["error_code"])

	rec = doJSON(t, router, http.MethodGet, "/C1/list?measure_type=WATER", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMeasureFiles(t *testing.T) {
	router := setupRouter(t, fixedExtractor{value: 42}, nil)
	id := uploadMeasure(t, router)

	rec := doJSON(t, router, http.MethodGet, "/measures/"+id+"/image", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, pngBytes(t), rec.Body.Bytes())

	rec = doJSON(t, router, http.MethodGet, "/measures/"+id+"/receipt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = doJSON(t, router, http.MethodGet, "/C1/list/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "measures-C1-all-")

	rec = doJSON(t, router, http.MethodGet, "/measures/6f1c8f5e-3c7a-4f53-9d8e-1f7c2b1a9e00/image", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthProtectsMeasureRoutes(t *testing.T) {
	deny := func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer ok" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
		}
	}
	router := setupRouter(t, fixedExtractor{value: 1}, deny)

	rec := doJSON(t, router, http.MethodGet, "/C1/list", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = doJSON(t, router, http.MethodGet, "/measures/6f1c8f5e-3c7a-4f53-9d8e-1f7c2b1a9e00/image", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListForCustomerCodeMatchingStaticSegment(t *testing.T) {
	router := setupRouterWith(t, testConfig(), fixedExtractor{value: 9}, nil, zerolog.Nop(), "measures", "upload")

	rec := doJSON(t, router, http.MethodPost, "/upload", uploadBodyFor(t, "measures", "WATER", "2024-05-10"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/measures/list", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "measures", list.CustomerCode)
	assert.Len(t, list.Measures, 1)

	rec = doJSON(t, router, http.MethodGet, "/measures/list/export?measure_type=WATER", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))

	rec = doJSON(t, router, http.MethodGet, "/upload/list", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MEASURES_NOT_FOUND", decodeBody(t, rec)["error_code"])

	rec = doJSON(t, router, http.MethodGet, "/no/such/route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["error_code"])
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxImageBytes = 1 << 10
	router := setupRouterWith(t, cfg, fixedExtractor{value: 1}, nil, zerolog.Nop(), "C1")

	body := uploadBody(t, "WATER", "2024-05-10")
	body["image"] = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x89}, 128<<10))

	rec := doJSON(t, router, http.MethodPost, "/upload", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "INVALID_DATA", decodeBody(t, rec)["error_code"])

	rec = doJSON(t, router, http.MethodPost, "/upload", uploadBody(t, "WATER", "2024-05-10"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

type tokenStub struct{}

func (tokenStub) Parse(raw string) (auth.Principal, error) {
	if raw != "operator-token" {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return auth.Principal{Subject: "operator-7"}, nil
}

func TestConfirmLogsCallerSubject(t *testing.T) {
	var logs bytes.Buffer
	router := setupRouterWith(t, testConfig(), fixedExtractor{value: 5}, middleware.Auth(tokenStub{}), zerolog.New(&logs), "C1")

	send := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(method, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer operator-token")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := send(http.MethodPost, "/upload", uploadBody(t, "GAS", "2024-05-10"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["measure_uuid"].(string)

	rec = send(http.MethodPatch, "/confirm", map[string]interface{}{"measure_uuid": id, "confirmed_value": 6})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, logs.String(), `"subject":"operator-7"`)
	assert.Contains(t, logs.String(), id)

	rec = doJSON(t, router, http.MethodGet, "/no/such/route", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseDateLayouts(t *testing.T) {
	want := time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)
	for _, raw := range []string{"2024-05-10T08:30:00Z", "2024-05-10T08:30:00", "2024-05-10 08:30:00"} {
		got, err := parseDate(raw)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), raw)
	}

	got, err := parseDate("2024-05-10")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Day())

	_, err = parseDate("10/05/2024")
	assert.ErrorIs(t, err, service.ErrInvalidData)
}
