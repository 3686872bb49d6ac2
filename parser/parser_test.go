package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	mu     sync.Mutex
	calls  int
	sizes  []image.Rectangle
	fail   map[int]bool
	output func(call int) string
}

func (f *fakeRecognizer) Recognize(_ context.Context, img image.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sizes = append(f.sizes, img.Bounds())
	if f.fail[f.calls] {
		return "", errors.New("provider unavailable")
	}
	if f.output != nil {
		return f.output(f.calls), nil
	}
	return fmt.Sprintf("recognised text %d", f.calls), nil
}

type fakePDF struct {
	pages      []string
	renderFail map[int]bool
	width      int
	height     int
	closed     bool
}

func (d *fakePDF) NumPage() int { return len(d.pages) }

func (d *fakePDF) Text(page int) (string, error) { return d.pages[page], nil }

func (d *fakePDF) Render(page int, _ float64) (image.Image, error) {
	if d.renderFail[page] {
		return nil, errors.New("render failed")
	}
	return image.NewRGBA(image.Rect(0, 0, d.width, d.height)), nil
}

func (d *fakePDF) Close() error {
	d.closed = true
	return nil
}

func testFallback(recognizer *fakeRecognizer, maxPages int) *Fallback {
	cfg := DefaultFallbackConfig()
	cfg.PageInterval = 0
	cfg.MaxPages = maxPages
	return NewFallback(cfg, recognizer)
}

func pdfParser(doc *fakePDF, fallback *Fallback) *Parser {
	return New(fallback, WithPDFOpener(func([]byte) (PageSource, error) { return doc, nil }))
}

func TestFormatFromFilename(t *testing.T) {
	format, err := FormatFromFilename("Lecture 1.PdF")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, format)

	_, err = FormatFromFilename("notes.txt")
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestParseRejectsUnsupportedAndEmpty(t *testing.T) {
	p := New(nil)
	_, err := p.Parse(context.Background(), strings.NewReader("x"), Format("XLSX"))
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))

	_, err = p.Parse(context.Background(), strings.NewReader(""), FormatPDF)
	assert.True(t, errors.As(err, &parseErr))
}

func TestPDFWithEnoughTextSkipsOCR(t *testing.T) {
	recognizer := &fakeRecognizer{}
	doc := &fakePDF{pages: []string{strings.Repeat("a", 150), strings.Repeat("b", 150)}, width: 10, height: 10}
	result, err := pdfParser(doc, testFallback(recognizer, 10)).Parse(context.Background(), strings.NewReader("%PDF"), FormatPDF)
	require.NoError(t, err)
	assert.False(t, result.UsedOCR)
	assert.Zero(t, recognizer.calls)
	assert.True(t, doc.closed)
}

func TestSparsePDFTriggersOCRPerPage(t *testing.T) {
	recognizer := &fakeRecognizer{}
	doc := &fakePDF{pages: []string{"only fifty characters of text across the pages", "", ""}, width: 100, height: 100}
	result, err := pdfParser(doc, testFallback(recognizer, 10)).Parse(context.Background(), strings.NewReader("%PDF"), FormatPDF)
	require.NoError(t, err)

	assert.True(t, result.UsedOCR)
	assert.Equal(t, 3, recognizer.calls)
	assert.Contains(t, result.Text, "=== Page 1 ===\nrecognised text 1\n")
	assert.Contains(t, result.Text, "=== Page 3 ===\nrecognised text 3\n")
}

func TestSparsePDFCapsPagesAndSkipsFailures(t *testing.T) {
	recognizer := &fakeRecognizer{fail: map[int]bool{1: true}}
	doc := &fakePDF{
		pages:      make([]string, 6),
		renderFail: map[int]bool{2: true},
		width:      100,
		height:     100,
	}
	result, err := pdfParser(doc, testFallback(recognizer, 4)).Parse(context.Background(), strings.NewReader("%PDF"), FormatPDF)
	require.NoError(t, err)

	// page 3 fails to render, so pages 1, 2 and 4 reach the recognizer
	assert.Equal(t, 3, recognizer.calls)
	assert.NotContains(t, result.Text, "=== Page 1 ===")
	assert.Contains(t, result.Text, "=== Page 2 ===")
	assert.NotContains(t, result.Text, "=== Page 3 ===")
	assert.Contains(t, result.Text, "=== Page 4 ===")
	assert.NotContains(t, result.Text, "=== Page 5 ===")
}

func TestSparsePDFKeepsOriginalTextWhenOCRYieldsNothing(t *testing.T) {
	recognizer := &fakeRecognizer{output: func(int) string { return "  " }}
	doc := &fakePDF{pages: []string{"tiny"}, width: 10, height: 10}
	result, err := pdfParser(doc, testFallback(recognizer, 10)).Parse(context.Background(), strings.NewReader("%PDF"), FormatPDF)
	require.NoError(t, err)
	assert.False(t, result.UsedOCR)
	assert.Equal(t, "tiny\n", result.Text)
}

func TestOCRDisabled(t *testing.T) {
	cfg := DefaultFallbackConfig()
	cfg.Enabled = false
	f := NewFallback(cfg, &fakeRecognizer{})
	assert.False(t, f.NeedsOCR(""))

	var nilFallback *Fallback
	assert.False(t, nilFallback.NeedsOCR(""))

	assert.True(t, testFallback(&fakeRecognizer{}, 1).NeedsOCR("   short   "))
	assert.False(t, testFallback(&fakeRecognizer{}, 1).NeedsOCR(strings.Repeat("字", 200)))
}

func TestFitWithinPreservesAspectRatio(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4000, 1000))
	out := FitWithin(img, 2000, 3000)
	assert.Equal(t, 2000, out.Bounds().Dx())
	assert.Equal(t, 500, out.Bounds().Dy())

	tall := image.NewRGBA(image.Rect(0, 0, 1000, 6000))
	out = FitWithin(tall, 2000, 3000)
	assert.Equal(t, 500, out.Bounds().Dx())
	assert.Equal(t, 3000, out.Bounds().Dy())

	small := image.NewRGBA(image.Rect(0, 0, 10, 10))
	assert.Same(t, small, FitWithin(small, 2000, 3000))
}

func TestRecognizerReceivesBoundedImages(t *testing.T) {
	recognizer := &fakeRecognizer{}
	doc := &fakePDF{pages: []string{""}, width: 5000, height: 5000}
	_, err := pdfParser(doc, testFallback(recognizer, 10)).Parse(context.Background(), strings.NewReader("%PDF"), FormatPDF)
	require.NoError(t, err)
	require.Len(t, recognizer.sizes, 1)
	assert.Equal(t, 2000, recognizer.sizes[0].Dx())
	assert.Equal(t, 2000, recognizer.sizes[0].Dy())
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(2, 2, color.White)
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

const docxBody = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Chapter one</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Hello </w:t></w:r><w:r><w:t>world</w:t></w:r></w:p>
<w:tbl><w:tr><w:tc><w:p><w:r><w:t>cell</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
</w:body>
</w:document>`

func TestDOCXParagraphs(t *testing.T) {
	data := buildZip(t, map[string][]byte{"word/document.xml": []byte(docxBody)})
	recognizer := &fakeRecognizer{}
	cfg := DefaultFallbackConfig()
	cfg.MinTextLength = 5
	result, err := New(NewFallback(cfg, recognizer)).Parse(context.Background(), bytes.NewReader(data), FormatDOCX)
	require.NoError(t, err)
	assert.Equal(t, "Chapter one\nHello world\ncell", result.Text)
	assert.Zero(t, recognizer.calls)
}

func TestSparseDOCXOCRsEmbeddedImages(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"word/document.xml":     []byte(docxBody),
		"word/media/image1.png": pngBytes(t),
		"word/media/image2.png": []byte("not an image"),
	})
	recognizer := &fakeRecognizer{}
	result, err := New(testFallback(recognizer, 10)).Parse(context.Background(), bytes.NewReader(data), FormatDOCX)
	require.NoError(t, err)
	assert.True(t, result.UsedOCR)
	assert.Equal(t, 1, recognizer.calls)
	assert.True(t, strings.HasPrefix(result.Text, "Chapter one\nHello world\ncell\n"))
	assert.Contains(t, result.Text, "=== Image 1 ===\nrecognised text 1")
}

func TestDOCXWithoutBodyIsParseError(t *testing.T) {
	data := buildZip(t, map[string][]byte{"other.xml": []byte("<x/>")})
	_, err := New(nil).Parse(context.Background(), bytes.NewReader(data), FormatDOCX)
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))

	_, err = New(nil).Parse(context.Background(), strings.NewReader("garbage"), FormatDOCX)
	assert.True(t, errors.As(err, &parseErr))
}

func slideXML(texts ...string) []byte {
	var b strings.Builder
	b.WriteString(`<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"><p:cSld><p:spTree>`)
	for _, text := range texts {
		fmt.Fprintf(&b, `<p:sp><p:txBody><a:p><a:r><a:t>%s</a:t></a:r></a:p></p:txBody></p:sp>`, text)
	}
	b.WriteString(`</p:spTree></p:cSld></p:sld>`)
	return []byte(b.String())
}

const slideRels = `<?xml version="1.0" encoding="UTF-8"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideLayout" Target="../slideLayouts/slideLayout1.xml"/>
<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="../media/image1.png"/>
</Relationships>`

func TestPPTXSlidesInNumericOrder(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"ppt/slides/slide10.xml": slideXML("tenth"),
		"ppt/slides/slide2.xml":  slideXML("second"),
		"ppt/slides/slide1.xml":  slideXML("Title", "Subtitle"),
	})
	cfg := DefaultFallbackConfig()
	cfg.Enabled = false
	result, err := New(NewFallback(cfg, nil)).Parse(context.Background(), bytes.NewReader(data), FormatPPTX)
	require.NoError(t, err)
	assert.Equal(t, "--- Slide 1 ---\nTitle\nSubtitle\n\n--- Slide 2 ---\nsecond\n\n--- Slide 3 ---\ntenth\n\n", result.Text)
}

func TestSparsePPTXOCRsSlidePictures(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"ppt/slides/slide1.xml":            slideXML("Intro"),
		"ppt/slides/slide2.xml":            slideXML(),
		"ppt/slides/_rels/slide2.xml.rels": []byte(slideRels),
		"ppt/media/image1.png":             pngBytes(t),
	})
	recognizer := &fakeRecognizer{}
	result, err := New(testFallback(recognizer, 10)).Parse(context.Background(), bytes.NewReader(data), FormatPPTX)
	require.NoError(t, err)
	assert.True(t, result.UsedOCR)
	assert.Equal(t, 1, recognizer.calls)
	assert.Contains(t, result.Text, "=== Slide 2 image ===\nrecognised text 1")
}
