package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var slidePattern = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func (p *Parser) parseDOCX(ctx context.Context, data []byte) (Result, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open archive: %w", err)
	}

	var body *zip.File
	var media []*zip.File
	for _, file := range archive.File {
		switch {
		case file.Name == "word/document.xml":
			body = file
		case strings.HasPrefix(file.Name, "word/media/"):
			media = append(media, file)
		}
	}
	if body == nil {
		return Result{}, errors.New("word/document.xml not found")
	}

	paragraphs, err := readParagraphs(body)
	if err != nil {
		return Result{}, fmt.Errorf("read document body: %w", err)
	}
	text := joinLines(paragraphs)

	if !p.fallback.NeedsOCR(text) || len(media) == 0 {
		return Result{Text: text}, nil
	}

	sort.Slice(media, func(i, j int) bool { return media[i].Name < media[j].Name })
	images := make([]TaggedImage, 0, len(media))
	for i, file := range media {
		raw, err := readZipFile(file)
		if err != nil {
			continue
		}
		images = append(images, TaggedImage{Label: fmt.Sprintf("Image %d", i+1), Data: raw})
	}
	recognized := p.fallback.RecognizeImages(ctx, images)
	if recognized == "" {
		return Result{Text: text}, nil
	}
	return Result{Text: text + "\n" + recognized, UsedOCR: true}, nil
}

type slide struct {
	number int
	file   *zip.File
	rels   *zip.File
}

func (p *Parser) parsePPTX(ctx context.Context, data []byte) (Result, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open archive: %w", err)
	}

	files := make(map[string]*zip.File, len(archive.File))
	var slides []slide
	for _, file := range archive.File {
		files[file.Name] = file
		if match := slidePattern.FindStringSubmatch(file.Name); match != nil {
			number, _ := strconv.Atoi(match[1])
			slides = append(slides, slide{number: number, file: file})
		}
	}
	if len(slides) == 0 {
		return Result{}, errors.New("presentation has no slides")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].number < slides[j].number })

	var b strings.Builder
	for i := range slides {
		slides[i].rels = files[fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", slides[i].number)]
		paragraphs, err := readParagraphs(slides[i].file)
		if err != nil {
			return Result{}, fmt.Errorf("read slide %d: %w", slides[i].number, err)
		}
		fmt.Fprintf(&b, "--- Slide %d ---\n", i+1)
		if body := joinLines(paragraphs); body != "" {
			b.WriteString(body)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	text := b.String()

	if !p.fallback.NeedsOCR(text) {
		return Result{Text: text}, nil
	}

	var images []TaggedImage
	for i, s := range slides {
		if s.rels == nil {
			continue
		}
		targets, err := imageTargets(s.rels)
		if err != nil {
			continue
		}
		for _, target := range targets {
			file, ok := files[path.Join("ppt/slides", target)]
			if !ok {
				continue
			}
			raw, err := readZipFile(file)
			if err != nil {
				continue
			}
			images = append(images, TaggedImage{Label: fmt.Sprintf("Slide %d image", i+1), Data: raw})
		}
	}
	if len(images) == 0 {
		return Result{Text: text}, nil
	}
	recognized := p.fallback.RecognizeImages(ctx, images)
	if recognized == "" {
		return Result{Text: text}, nil
	}
	return Result{Text: text + "\n" + recognized, UsedOCR: true}, nil
}

// readParagraphs collects the text runs of every <*:p> element. Both
// WordprocessingML and DrawingML name their paragraph "p" and their text run
// "t", so one walker serves documents and slides.
func readParagraphs(file *zip.File) ([]string, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var paragraphs []string
	var current strings.Builder
	inText := false
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if line := strings.TrimSpace(current.String()); line != "" {
					paragraphs = append(paragraphs, line)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	if line := strings.TrimSpace(current.String()); line != "" {
		paragraphs = append(paragraphs, line)
	}
	return paragraphs, nil
}

type relationships struct {
	Items []struct {
		Type   string `xml:"Type,attr"`
		Target string `xml:"Target,attr"`
		Mode   string `xml:"TargetMode,attr"`
	} `xml:"Relationship"`
}

func imageTargets(file *zip.File) ([]string, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var rels relationships
	if err := xml.NewDecoder(rc).Decode(&rels); err != nil {
		return nil, err
	}
	var targets []string
	for _, rel := range rels.Items {
		if strings.HasSuffix(rel.Type, "/image") && !strings.EqualFold(rel.Mode, "External") {
			targets = append(targets, rel.Target)
		}
	}
	return targets, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
