package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"hash/fnv"
	"strings"
	"testing"

	"github.com/ashureev/askstream/internal/domain"
	"github.com/ashureev/askstream/internal/vectorstore"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func zipped(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

const docxBody = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>
<w:p><w:r><w:t>Second</w:t><w:tab/><w:t>line</w:t></w:r></w:p>
</w:body>
</w:document>`

func slideXML(text string) string {
	return `<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" ` +
		`xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">` +
		`<p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` + text + `</a:t></a:r></a:p>` +
		`</p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
}

func TestExtract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  domain.Document
		want string
	}{
		{
			name: "txt",
			doc:  domain.Document{Type: domain.DocumentTXT, Bytes: b64("plain text\n")},
			want: "plain text",
		},
		{
			name: "html",
			doc:  domain.Document{Type: domain.DocumentHTML, Bytes: b64("<html><body><p>Hi <b>there</b></p></body></html>")},
			want: "Hi there",
		},
		{
			name: "docx",
			doc: domain.Document{Type: domain.DocumentDOCX, Bytes: zipped(t, map[string]string{
				"word/document.xml": docxBody,
			})},
			want: "Hello world\nSecond\tline",
		},
		{
			name: "pptx slides in numeric order",
			doc: domain.Document{Type: domain.DocumentPPTX, Bytes: zipped(t, map[string]string{
				"ppt/slides/slide10.xml":           slideXML("Ten"),
				"ppt/slides/slide2.xml":            slideXML("Two"),
				"ppt/slides/slide1.xml":            slideXML("One"),
				"ppt/slides/_rels/slide1.xml.rels": "<Relationships/>",
			})},
			want: "One\n\nTwo\n\nTen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Extract(context.Background(), tt.doc)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExtractErrors(t *testing.T) {
	t.Parallel()

	if _, err := Extract(context.Background(), domain.Document{Type: 9, Bytes: b64("x")}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("Expected ErrUnsupportedType, got %v", err)
	}
	if _, err := Extract(context.Background(), domain.Document{Type: domain.DocumentTXT, Bytes: "%%%"}); err == nil {
		t.Error("Expected base64 error")
	}
	if _, err := Extract(context.Background(), domain.Document{Type: domain.DocumentDOCX, Bytes: b64("not a zip")}); err == nil {
		t.Error("Expected zip error")
	}
	if _, err := Extract(context.Background(), domain.Document{Type: domain.DocumentPDF, Bytes: b64("not a pdf")}); err == nil {
		t.Error("Expected pdf error")
	}
}

func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 32)
	for _, w := range strings.Fields(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%32]++
	}
	vec[0] += 0.01
	return vec, nil
}

func newTestIndex(t *testing.T) *vectorstore.Store {
	t.Helper()
	s, err := vectorstore.Open("", "test", false, hashEmbedding)
	if err != nil {
		t.Fatalf("vectorstore.Open() error = %v", err)
	}
	return s
}

func TestIndexAndRemove(t *testing.T) {
	t.Parallel()
	index := newTestIndex(t)
	ix := NewIndexer(index, 40, 0)
	ctx := context.Background()

	long := strings.Repeat("alpha beta gamma delta. ", 6)
	docs := []domain.Document{
		{ID: "1", Name: "notes.txt", Type: domain.DocumentTXT, Bytes: b64(long)},
		{ID: "2", Name: "broken.txt", Type: domain.DocumentTXT, Bytes: "not base64!", VectorIDs: []string{"keep"}},
		{ID: "3", Name: "empty.txt", Type: domain.DocumentTXT, Bytes: b64("   ")},
	}

	out, err := ix.Index(ctx, docs)
	if err == nil {
		t.Error("Expected an error for the undecodable document")
	}
	if len(out) != 3 {
		t.Fatalf("Expected 3 documents back, got %d", len(out))
	}
	if len(out[0].VectorIDs) < 2 {
		t.Errorf("Expected the long text to split into several chunks, got %d", len(out[0].VectorIDs))
	}
	if index.Count() != len(out[0].VectorIDs) {
		t.Errorf("Expected %d chunks in the index, got %d", len(out[0].VectorIDs), index.Count())
	}
	if len(out[1].VectorIDs) != 1 || out[1].VectorIDs[0] != "keep" {
		t.Errorf("Expected failed document to keep its ids, got %v", out[1].VectorIDs)
	}
	if out[2].VectorIDs == nil || len(out[2].VectorIDs) != 0 {
		t.Errorf("Expected empty document to get an empty id list, got %v", out[2].VectorIDs)
	}
	if docs[0].VectorIDs != nil {
		t.Error("Expected input batch to be left untouched")
	}

	if err := ix.Remove(ctx, out); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if index.Count() != 0 {
		t.Errorf("Expected empty index after remove, got %d", index.Count())
	}
}

func TestIndexSkipsUnsupportedTypes(t *testing.T) {
	t.Parallel()
	index := newTestIndex(t)
	ix := NewIndexer(index, 100, 0)

	out, err := ix.Index(context.Background(), []domain.Document{
		{ID: "1", Name: "image.bin", Type: 42, Bytes: b64("x")},
		{ID: "2", Name: "notes.txt", Type: domain.DocumentTXT, Bytes: b64("short note")},
	})
	if err != nil {
		t.Fatalf("Expected unsupported documents to be skipped without error, got %v", err)
	}
	if out[0].VectorIDs != nil {
		t.Errorf("Expected no ids for the skipped document, got %v", out[0].VectorIDs)
	}
	if len(out[1].VectorIDs) != 1 {
		t.Errorf("Expected 1 chunk for the text document, got %v", out[1].VectorIDs)
	}
	if index.Count() != 1 {
		t.Errorf("Expected 1 chunk in the index, got %d", index.Count())
	}
}

type failingIndex struct{ deleted []string }

func (f *failingIndex) Add(context.Context, []vectorstore.Chunk) error {
	return errors.New("embedding service down")
}

func (f *failingIndex) Delete(_ context.Context, ids ...string) error {
	if ids[0] == "bad" {
		return errors.New("delete failed")
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}

func TestRemoveContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	idx := &failingIndex{}
	ix := NewIndexer(idx, 100, 0)

	err := ix.Remove(context.Background(), []domain.Document{
		{ID: "a", VectorIDs: []string{"bad"}},
		{ID: "b", VectorIDs: []string{"v1", "v2"}},
		{ID: "c"},
	})
	if err == nil {
		t.Error("Expected error for the failing document")
	}
	if len(idx.deleted) != 2 {
		t.Errorf("Expected the second document to be removed, got %v", idx.deleted)
	}
}

func TestIndexBackendFailure(t *testing.T) {
	t.Parallel()
	ix := NewIndexer(&failingIndex{}, 100, 0)

	out, err := ix.Index(context.Background(), []domain.Document{
		{ID: "a", Type: domain.DocumentTXT, Bytes: b64("some text")},
	})
	if err == nil {
		t.Fatal("Expected error from the index")
	}
	if out[0].VectorIDs != nil {
		t.Errorf("Expected no ids on failure, got %v", out[0].VectorIDs)
	}
}
