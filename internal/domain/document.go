package domain

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// DocumentType tags the binary format of a document payload.
type DocumentType int

// Document types as sent by the front end.
const (
	DocumentPDF  DocumentType = 1
	DocumentPPTX DocumentType = 2
	DocumentDOCX DocumentType = 3
	DocumentHTML DocumentType = 4
	DocumentTXT  DocumentType = 5
)

func (t DocumentType) String() string {
	switch t {
	case DocumentPDF:
		return "pdf"
	case DocumentPPTX:
		return "pptx"
	case DocumentDOCX:
		return "docx"
	case DocumentHTML:
		return "html"
	case DocumentTXT:
		return "txt"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Document is one entry of an ingest or retract batch.
// Fields other than the ones modelled here are carried through unchanged.
type Document struct {
	ID        string
	Name      string
	Type      DocumentType
	Bytes     string // base64
	VectorIDs []string

	extra map[string]json.RawMessage
}

var documentKeys = []string{"Id", "Name", "Type", "Bytes", "VectorIds"}

// UnmarshalJSON decodes a document and keeps unknown fields for re-publishing.
func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	doc := Document{extra: fields}
	if raw, ok := fields["Id"]; ok {
		doc.ID = gjson.ParseBytes(raw).String()
	}
	if raw, ok := fields["Name"]; ok {
		doc.Name = gjson.ParseBytes(raw).String()
	}
	if raw, ok := fields["Type"]; ok {
		if err := json.Unmarshal(raw, &doc.Type); err != nil {
			return fmt.Errorf("decode Type: %w", err)
		}
	}
	if raw, ok := fields["Bytes"]; ok {
		if err := json.Unmarshal(raw, &doc.Bytes); err != nil {
			return fmt.Errorf("decode Bytes: %w", err)
		}
	}
	if raw, ok := fields["VectorIds"]; ok {
		if err := json.Unmarshal(raw, &doc.VectorIDs); err != nil {
			return fmt.Errorf("decode VectorIds: %w", err)
		}
	}
	for _, k := range documentKeys {
		if k != "Id" {
			delete(doc.extra, k)
		}
	}

	*d = doc
	return nil
}

// MarshalJSON encodes the document including any carried-through fields.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.extra)+4)
	for k, v := range d.extra {
		out[k] = v
	}
	if _, ok := out["Id"]; !ok && d.ID != "" {
		out["Id"] = d.ID
	}
	if d.Name != "" {
		out["Name"] = d.Name
	}
	out["Type"] = d.Type
	out["Bytes"] = d.Bytes
	ids := d.VectorIDs
	if ids == nil {
		ids = []string{}
	}
	out["VectorIds"] = ids
	return json.Marshal(out)
}

// DecodeDocuments parses a JSON array of documents.
func DecodeDocuments(body []byte) ([]Document, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrMalformedEnvelope)
	}
	if !gjson.ParseBytes(body).IsArray() {
		return nil, fmt.Errorf("%w: document batch is not a JSON array", ErrMalformedEnvelope)
	}
	var docs []Document
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return docs, nil
}
