package parser

import (
	"context"
	"fmt"
	"image"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"tutorqa_back/ocr"
)

type FallbackConfig struct {
	Enabled       bool
	MinTextLength int
	MaxPages      int
	PageInterval  time.Duration
	DPI           float64
	MaxWidth      int
	MaxHeight     int
}

func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Enabled:       true,
		MinTextLength: 200,
		MaxPages:      10,
		PageInterval:  300 * time.Millisecond,
		DPI:           150,
		MaxWidth:      2000,
		MaxHeight:     3000,
	}
}

// FallbackConfigFromEnv reads the OCR_* tuning variables. enabled comes from
// the OCR client configuration.
func FallbackConfigFromEnv(enabled bool) FallbackConfig {
	cfg := DefaultFallbackConfig()
	cfg.Enabled = enabled
	cfg.MinTextLength = intEnv("OCR_MIN_TEXT_LENGTH", cfg.MinTextLength)
	cfg.MaxPages = intEnv("OCR_MAX_PAGES", cfg.MaxPages)
	cfg.MaxWidth = intEnv("OCR_MAX_WIDTH", cfg.MaxWidth)
	cfg.MaxHeight = intEnv("OCR_MAX_HEIGHT", cfg.MaxHeight)
	if raw := strings.TrimSpace(os.Getenv("OCR_PAGE_INTERVAL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed >= 0 {
			cfg.PageInterval = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("OCR_DPI")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			cfg.DPI = parsed
		}
	}
	return cfg
}

// Fallback runs OCR over rendered pages or embedded pictures when extracted
// text is too sparse. Calls are spaced by PageInterval across all documents
// sharing the Fallback.
type Fallback struct {
	cfg        FallbackConfig
	recognizer ocr.Recognizer
	limiter    *rate.Limiter
}

func NewFallback(cfg FallbackConfig, recognizer ocr.Recognizer) *Fallback {
	if recognizer == nil {
		cfg.Enabled = false
	}
	defaults := DefaultFallbackConfig()
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaults.MaxPages
	}
	if cfg.DPI <= 0 {
		cfg.DPI = defaults.DPI
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = defaults.MaxWidth
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = defaults.MaxHeight
	}
	limit := rate.Inf
	if cfg.PageInterval > 0 {
		limit = rate.Every(cfg.PageInterval)
	}
	return &Fallback{cfg: cfg, recognizer: recognizer, limiter: rate.NewLimiter(limit, 1)}
}

// NeedsOCR reports whether text is too sparse to stand on its own.
func (f *Fallback) NeedsOCR(text string) bool {
	if f == nil || !f.cfg.Enabled {
		return false
	}
	return utf8.RuneCountInString(strings.TrimSpace(text)) < f.cfg.MinTextLength
}

// RecognizePages OCRs at most MaxPages pages and wraps each result in a
// "=== Page N ===" header. Failing pages are logged and skipped.
func (f *Fallback) RecognizePages(ctx context.Context, pages int, render func(int) (image.Image, error)) string {
	if f == nil || f.recognizer == nil {
		return ""
	}
	limit := pages
	if limit > f.cfg.MaxPages {
		limit = f.cfg.MaxPages
	}

	var b strings.Builder
	ok := 0
	for i := 0; i < limit; i++ {
		img, err := render(i)
		if err != nil {
			log.Printf("parser: render page %d: %v", i+1, err)
			continue
		}
		text, err := f.recognize(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("parser: ocr stopped at page %d: %v", i+1, ctx.Err())
				break
			}
			log.Printf("parser: ocr page %d: %v", i+1, err)
			continue
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n=== Page %d ===\n%s\n", i+1, text)
		ok++
	}
	log.Printf("parser: ocr recognised %d of %d page(s)", ok, limit)
	return b.String()
}

// TaggedImage is an encoded picture found inside an office document.
type TaggedImage struct {
	Label string
	Data  []byte
}

// RecognizeImages OCRs embedded pictures, tagging each result with its label.
func (f *Fallback) RecognizeImages(ctx context.Context, images []TaggedImage) string {
	if f == nil || f.recognizer == nil {
		return ""
	}
	var b strings.Builder
	ok := 0
	for _, item := range images {
		img, err := decodeImage(item.Data)
		if err != nil {
			log.Printf("parser: decode %s: %v", item.Label, err)
			continue
		}
		text, err := f.recognize(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("parser: ocr %s: %v", item.Label, err)
			continue
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", item.Label, text)
		ok++
	}
	log.Printf("parser: ocr recognised %d of %d image(s)", ok, len(images))
	return b.String()
}

func (f *Fallback) recognize(ctx context.Context, img image.Image) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	text, err := f.recognizer.Recognize(ctx, FitWithin(img, f.cfg.MaxWidth, f.cfg.MaxHeight))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// FitWithin scales img down, preserving aspect ratio, until it fits in
// maxWidth x maxHeight. Images already inside the bounds are returned as is.
func FitWithin(img image.Image, maxWidth, maxHeight int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxWidth && height <= maxHeight || width == 0 || height == 0 {
		return img
	}
	scale := float64(maxWidth) / float64(width)
	if hs := float64(maxHeight) / float64(height); hs < scale {
		scale = hs
	}
	targetW := int(float64(width) * scale)
	targetH := int(float64(height) * scale)
	if targetW < 1 {
		targetW = 1
	}
	if targetH < 1 {
		targetH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
