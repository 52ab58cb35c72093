package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		wantHistory []string
		wantErr     error
	}{
		{
			name:        "history as array",
			body:        `{"UserId":"u1","ConversationId":"c1","SessionId":"s1","Question":"q","ChatHistory":["hi","hello"]}`,
			wantHistory: []string{"hi", "hello"},
		},
		{
			name:        "history as stringified array",
			body:        `{"UserId":"u1","Question":"q","ChatHistory":"[\"hi\",\"hello\",\"again\"]"}`,
			wantHistory: []string{"hi", "hello", "again"},
		},
		{
			name:        "history missing",
			body:        `{"Question":"q"}`,
			wantHistory: nil,
		},
		{
			name:        "history empty string",
			body:        `{"Question":"q","ChatHistory":""}`,
			wantHistory: nil,
		},
		{
			name:    "history with non-string entry",
			body:    `{"Question":"q","ChatHistory":["a",1]}`,
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "history string is not an array",
			body:    `{"Question":"q","ChatHistory":"hello"}`,
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "not json",
			body:    `{"Question":`,
			wantErr: ErrMalformedEnvelope,
		},
		{
			name:    "json array instead of object",
			body:    `[1,2]`,
			wantErr: ErrMalformedEnvelope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := DecodeRequest([]byte(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeRequest() unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantHistory, req.ChatHistory); diff != "" {
				t.Errorf("ChatHistory mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRequestFields(t *testing.T) {
	t.Parallel()

	req, err := DecodeRequest([]byte(`{"UserId":"u1","ConversationId":"c1","SessionId":"s1","Question":"What is the capital of France?"}`))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	want := RequestEnvelope{UserID: "u1", ConversationID: "c1", SessionID: "s1", Question: "What is the capital of France?"}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	if err := (RequestEnvelope{Question: "  "}).Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Validate() blank question error = %v, want ErrInvalidEnvelope", err)
	}
	if err := (RequestEnvelope{Question: "why?"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestAnswerEnvelopeHistoryNeverNull(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(AnswerEnvelope{UserID: "u1", Answer: "Paris."})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"UserId":"u1","ConversationId":"","Question":"","Answer":"Paris.","ChatHistory":[]}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestDocumentRoundTripKeepsUnknownFields(t *testing.T) {
	t.Parallel()

	body := `[{"Id":42,"UserId":"u1","Name":"notes.txt","Type":5,"Bytes":"aGVsbG8="}]`
	docs, err := DecodeDocuments([]byte(body))
	if err != nil {
		t.Fatalf("DecodeDocuments() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("DecodeDocuments() returned %d docs, want 1", len(docs))
	}
	doc := docs[0]
	if doc.ID != "42" || doc.Type != DocumentTXT || doc.Name != "notes.txt" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	doc.VectorIDs = []string{"v1", "v2"}
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := map[string]any{
		"Id":        float64(42),
		"UserId":    "u1",
		"Name":      "notes.txt",
		"Type":      float64(5),
		"Bytes":     "aGVsbG8=",
		"VectorIds": []any{"v1", "v2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("re-encoded document mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDocumentsRejectsObject(t *testing.T) {
	t.Parallel()

	if _, err := DecodeDocuments([]byte(`{"Type":1}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("DecodeDocuments() error = %v, want ErrMalformedEnvelope", err)
	}
}
