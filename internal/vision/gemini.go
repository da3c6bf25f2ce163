package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/nurpe/meter-readings/internal/config"
	"github.com/nurpe/meter-readings/internal/imagedata"
)

const readingPrompt = "Identify the reading shown on the utility meter in this image. " +
	"Answer only with the numeric value as a float, without units."

// A number token may carry "." or "," separators and space grouping
// ("12 345.6"); a space only counts when a digit follows it.
var numberPattern = regexp.MustCompile(`[-+]?\d(?:[\d.,]|[ \x{00A0}\x{202F}]\d)*`)

var errAmbiguousNumber = errors.New("ambiguous number")

type GeminiClient struct {
	httpClient    *http.Client
	baseURL       string
	model         string
	apiKey        string
	maxAttempts   int
	retryInterval time.Duration
	log           zerolog.Logger
}

func NewGeminiClient(cfg config.VisionConfig, log zerolog.Logger) *GeminiClient {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &GeminiClient{
		httpClient:    &http.Client{},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		model:         cfg.Model,
		apiKey:        cfg.APIKey,
		maxAttempts:   attempts,
		retryInterval: 500 * time.Millisecond,
		log:           log,
	}
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

// ExtractValue sends the image to the model once, or up to MaxAttempts times
// when transport errors or 5xx/429 responses occur. The caller's context
// bounds the whole call including retries.
func (c *GeminiClient) ExtractValue(ctx context.Context, img imagedata.Image) (float64, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: readingPrompt},
				{InlineData: &inlineData{MimeType: img.MimeType, Data: imagedata.Encode(img.Data)}},
			},
		}},
		GenerationConfig: generationConfig{Temperature: 0},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode request: %v", ErrExtraction, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 5 * time.Second

	attempt := 0
	operation := func() (string, error) {
		attempt++
		return c.generate(ctx, body)
	}
	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	)
	if err != nil {
		c.log.Warn().Err(err).Int("attempts", attempt).Str("model", c.model).Msg("vision extraction failed")
		return 0, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	value, err := ParseValue(text)
	if err != nil {
		return 0, err
	}
	c.log.Debug().Int("attempts", attempt).Float64("value", value).Msg("vision extraction succeeded")
	return value, nil
}

func (c *GeminiClient) generate(ctx context.Context, body []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("model responded %d: %s", resp.StatusCode, gjson.GetBytes(payload, "error.message").String())
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return "", statusErr
		}
		return "", backoff.Permanent(statusErr)
	}

	text := gjson.GetBytes(payload, "candidates.0.content.parts.0.text")
	if !text.Exists() {
		reason := gjson.GetBytes(payload, "promptFeedback.blockReason").String()
		if reason == "" {
			reason = gjson.GetBytes(payload, "candidates.0.finishReason").String()
		}
		return "", backoff.Permanent(fmt.Errorf("model returned no text (reason %q)", reason))
	}
	return text.String(), nil
}

// ParseValue extracts the first number from the model's answer. Grouping
// separators are dropped; when both "." and "," appear the last one is the
// decimal point, and a lone "," followed by exactly three digits is grouping.
// Tokens whose grouping does not fit these rules are rejected.
func ParseValue(text string) (float64, error) {
	token := strings.TrimRight(numberPattern.FindString(text), ".,")
	if token == "" {
		return 0, fmt.Errorf("%w: no number in model answer %q", ErrExtraction, strings.TrimSpace(text))
	}
	value, err := parseNumber(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v in model answer %q", ErrExtraction, err, strings.TrimSpace(text))
	}
	return value, nil
}

func parseNumber(token string) (float64, error) {
	sign := ""
	if token[0] == '-' || token[0] == '+' {
		sign, token = token[:1], token[1:]
	}

	lastDot := strings.LastIndexByte(token, '.')
	lastComma := strings.LastIndexByte(token, ',')
	decimal := -1
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimal = max(lastDot, lastComma)
	case lastDot >= 0:
		if strings.Count(token, ".") == 1 {
			decimal = lastDot
		}
	case lastComma >= 0:
		if strings.Count(token, ",") == 1 && len(token)-lastComma-1 != 3 {
			decimal = lastComma
		}
	}

	intPart, fracPart := token, ""
	groupSep := ".,"
	if decimal >= 0 {
		intPart, fracPart = token[:decimal], token[decimal+1:]
		if strings.ContainsAny(fracPart, ".,\u00a0\u202f ") {
			return 0, fmt.Errorf("%w %q", errAmbiguousNumber, sign+token)
		}
		groupSep = ","
		if token[decimal] == ',' {
			groupSep = "."
		}
		if strings.ContainsRune(intPart, rune(token[decimal])) {
			return 0, fmt.Errorf("%w %q", errAmbiguousNumber, sign+token)
		}
	}

	digits, ok := ungroup(intPart, groupSep+" \u00a0\u202f")
	if !ok {
		return 0, fmt.Errorf("%w %q", errAmbiguousNumber, sign+token)
	}
	number := sign + digits
	if fracPart != "" {
		number += "." + fracPart
	}
	return strconv.ParseFloat(number, 64)
}

// ungroup removes grouping separators from an integer part. The first group
// has one to three digits and every later group exactly three.
func ungroup(intPart, separators string) (string, bool) {
	var groups []string
	start := 0
	for i, r := range intPart {
		if strings.ContainsRune(separators, r) {
			groups = append(groups, intPart[start:i])
			start = i + utf8.RuneLen(r)
		}
	}
	groups = append(groups, intPart[start:])

	if len(groups) == 1 {
		return intPart, intPart != ""
	}
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return "", false
	}
	for _, group := range groups[1:] {
		if len(group) != 3 {
			return "", false
		}
	}
	return strings.Join(groups, ""), true
}
