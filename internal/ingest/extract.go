// Package ingest turns uploaded documents into indexed text chunks.
package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
)

// ErrUnsupportedType is returned for document types without an extractor.
var ErrUnsupportedType = errors.New("unsupported document type")

type loader interface {
	Load(ctx context.Context) ([]schema.Document, error)
}

// Extract decodes the document payload and returns its plain text.
func Extract(ctx context.Context, doc domain.Document) (string, error) {
	data, err := base64.StdEncoding.DecodeString(doc.Bytes)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	switch doc.Type {
	case domain.DocumentPDF:
		return load(ctx, documentloaders.NewPDF(bytes.NewReader(data), int64(len(data))))
	case domain.DocumentHTML:
		return load(ctx, documentloaders.NewHTML(bytes.NewReader(data)))
	case domain.DocumentTXT:
		return load(ctx, documentloaders.NewText(bytes.NewReader(data)))
	case domain.DocumentDOCX:
		return docxText(data)
	case domain.DocumentPPTX:
		return pptxText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, doc.Type)
	}
}

func load(ctx context.Context, l loader) (string, error) {
	docs, err := l.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	pages := make([]string, 0, len(docs))
	for _, d := range docs {
		if text := strings.TrimSpace(d.PageContent); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			return xmlText(f)
		}
	}
	return "", errors.New("open docx: word/document.xml not found")
}

func pptxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pptx: %w", err)
	}

	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		dir, name := path.Split(f.Name)
		if dir != "ppt/slides/" || !strings.HasPrefix(name, "slide") || !strings.HasSuffix(name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "slide"), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slide{n: n, f: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	parts := make([]string, 0, len(slides))
	for _, s := range slides {
		text, err := xmlText(s.f)
		if err != nil {
			return "", fmt.Errorf("slide %d: %w", s.n, err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// xmlText collects the character data of <t> runs in an Office XML part,
// breaking lines at paragraph ends.
func xmlText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", f.Name, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
