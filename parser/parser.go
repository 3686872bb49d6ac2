// Package parser extracts plain text from uploaded documents, falling back to
// OCR when a file carries too little extractable text.
package parser

import (
	"context"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"
)

// Format is the declared layout family of an uploaded file.
type Format string

const (
	FormatPDF  Format = "PDF"
	FormatDOCX Format = "DOCX"
	FormatPPTX Format = "PPTX"
)

func (f Format) Valid() bool {
	switch f {
	case FormatPDF, FormatDOCX, FormatPPTX:
		return true
	default:
		return false
	}
}

// FormatFromFilename maps a file extension to a Format.
func FormatFromFilename(name string) (Format, error) {
	ext := strings.ToUpper(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(name)), "."))
	format := Format(ext)
	if !format.Valid() {
		return "", &ParseError{Format: format, Err: fmt.Errorf("unsupported file type %q", ext)}
	}
	return format, nil
}

// ParseError reports an unreadable or unsupported file.
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("parser: %v", e.Err)
	}
	return fmt.Sprintf("parser: %s: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result is the extracted text and whether OCR output contributed to it.
type Result struct {
	Text    string
	UsedOCR bool
}

// Parser dispatches on Format. The zero value parses without OCR.
type Parser struct {
	fallback *Fallback
	openPDF  func([]byte) (PageSource, error)
}

type Option func(*Parser)

// WithPDFOpener replaces the PDF engine.
func WithPDFOpener(open func([]byte) (PageSource, error)) Option {
	return func(p *Parser) {
		p.openPDF = open
	}
}

func New(fallback *Fallback, opts ...Option) *Parser {
	p := &Parser{fallback: fallback, openPDF: openFitz}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Parser) Parse(ctx context.Context, r io.Reader, format Format) (Result, error) {
	if !format.Valid() {
		return Result{}, &ParseError{Format: format, Err: fmt.Errorf("unsupported file type %q", format)}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, &ParseError{Format: format, Err: fmt.Errorf("read: %w", err)}
	}
	if len(data) == 0 {
		return Result{}, &ParseError{Format: format, Err: fmt.Errorf("file is empty")}
	}

	var result Result
	switch format {
	case FormatPDF:
		result, err = p.parsePDF(ctx, data)
	case FormatDOCX:
		result, err = p.parseDOCX(ctx, data)
	case FormatPPTX:
		result, err = p.parsePPTX(ctx, data)
	}
	if err != nil {
		return Result{}, &ParseError{Format: format, Err: err}
	}
	return result, nil
}

func (p *Parser) parsePDF(ctx context.Context, data []byte) (Result, error) {
	open := p.openPDF
	if open == nil {
		open = openFitz
	}
	doc, err := open(data)
	if err != nil {
		return Result{}, err
	}
	defer doc.Close()

	pages := doc.NumPage()
	var b strings.Builder
	for i := 0; i < pages; i++ {
		text, err := doc.Text(i)
		if err != nil {
			return Result{}, fmt.Errorf("extract page %d: %w", i+1, err)
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	text := b.String()

	if !p.fallback.NeedsOCR(text) {
		return Result{Text: text}, nil
	}
	recognized := p.fallback.RecognizePages(ctx, pages, func(i int) (image.Image, error) {
		return doc.Render(i, p.fallback.cfg.DPI)
	})
	if strings.TrimSpace(recognized) == "" {
		return Result{Text: text}, nil
	}
	return Result{Text: recognized, UsedOCR: true}, nil
}
