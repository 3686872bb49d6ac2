// Package ocr is a client for image text recognition services that follow
// the Aliyun market "advanced OCR" request and response shape.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHost = "https://gjbsb.market.alicloudapi.com"
	defaultPath = "/ocrservice/advanced"
)

// ErrNotConfigured is returned by Recognize when no app code is set.
var ErrNotConfigured = errors.New("ocr: app code is not configured")

// Recognizer extracts text from a single raster image.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

// Error is a failed recognition of one image. Callers treat it as non-fatal.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ocr: [%s] %v", e.Code, e.Err)
	}
	return fmt.Sprintf("ocr: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	Enabled bool
	AppCode string
	Host    string
	Path    string
	Timeout time.Duration
}

// ConfigFromEnv reads OCR_ENABLED, OCR_APPCODE, OCR_HOST, OCR_PATH and
// OCR_TIMEOUT. OCR is enabled by default whenever an app code is present.
func ConfigFromEnv() Config {
	cfg := Config{
		AppCode: strings.TrimSpace(os.Getenv("OCR_APPCODE")),
		Host:    strings.TrimSpace(os.Getenv("OCR_HOST")),
		Path:    strings.TrimSpace(os.Getenv("OCR_PATH")),
		Timeout: 30 * time.Second,
	}
	cfg.Enabled = cfg.AppCode != ""
	if raw := strings.TrimSpace(os.Getenv("OCR_ENABLED")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.Enabled = parsed && cfg.AppCode != ""
		}
	}
	if raw := strings.TrimSpace(os.Getenv("OCR_TIMEOUT")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			cfg.Timeout = parsed
		}
	}
	return cfg
}

type Client struct {
	httpClient *http.Client
	endpoint   string
	appCode    string
}

func NewClient(cfg Config) *Client {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = defaultHost
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   host + path,
		appCode:    cfg.AppCode,
	}
}

type recognizeRequest struct {
	Img      string `json:"img"`
	Prob     bool   `json:"prob"`
	CharInfo bool   `json:"charInfo"`
	Rotate   bool   `json:"rotate"`
	Table    bool   `json:"table"`
}

type recognizeResponse struct {
	Error          json.RawMessage `json:"error"`
	ErrCode        json.RawMessage `json:"errCode"`
	ErrMsg         string          `json:"errMsg"`
	Text           string          `json:"text"`
	PrismWordsInfo []struct {
		Row  *int   `json:"row"`
		Word string `json:"word"`
	} `json:"prism_wordsInfo"`
}

// Recognize encodes img as PNG and returns the recognised text, one line per row.
func (c *Client) Recognize(ctx context.Context, img image.Image) (string, error) {
	if c == nil || c.appCode == "" {
		return "", ErrNotConfigured
	}
	if img == nil {
		return "", &Error{Err: errors.New("image is nil")}
	}

	encoded := &bytes.Buffer{}
	if err := png.Encode(encoded, img); err != nil {
		return "", &Error{Err: fmt.Errorf("encode png: %w", err)}
	}
	payload := recognizeRequest{Img: base64.StdEncoding.EncodeToString(encoded.Bytes())}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return "", &Error{Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", &Error{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Authorization", "APPCODE "+c.appCode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &Error{Err: fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))}
	}

	var decoded recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &Error{Err: fmt.Errorf("decode response: %w", err)}
	}
	return parseResponse(decoded)
}

func parseResponse(decoded recognizeResponse) (string, error) {
	if msg := rawText(decoded.Error); msg != "" {
		return "", &Error{Err: errors.New(msg)}
	}
	if code := rawText(decoded.ErrCode); code != "" {
		return "", &Error{Code: code, Err: errors.New(decoded.ErrMsg)}
	}

	if len(decoded.PrismWordsInfo) == 0 {
		return strings.TrimSpace(decoded.Text), nil
	}

	var lines []string
	var current strings.Builder
	lastRow := -1
	first := true
	for _, word := range decoded.PrismWordsInfo {
		row := -1
		if word.Row != nil {
			row = *word.Row
		}
		if first || row != lastRow {
			if current.Len() > 0 {
				lines = append(lines, current.String())
			}
			current.Reset()
			lastRow = row
			first = false
		}
		current.WriteString(word.Word)
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// rawText renders a JSON scalar as text; null and empty strings yield "".
func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(trimmed, &s) == nil {
		return strings.TrimSpace(s)
	}
	return string(trimmed)
}
