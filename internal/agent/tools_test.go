package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/askstream/internal/vectorstore"
	"github.com/google/go-cmp/cmp"
)

func TestParseOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    step
		wantErr bool
	}{
		{
			name: "fenced final answer",
			in:   "```json\n{\"action\": \"Final Answer\", \"action_input\": \"Say \\\"hi\\\"\"}\n```",
			want: step{tool: "Final Answer", input: `Say "hi"`, final: true},
		},
		{
			name: "bare tool call",
			in:   `{"action": "Knowledge Base", "action_input": "capital of France"}`,
			want: step{tool: "Knowledge Base", input: "capital of France"},
		},
		{
			name: "non string input kept raw",
			in:   `{"action": "Math Equations", "action_input": {"expr": "1+1"}}`,
			want: step{tool: "Math Equations", input: `{"expr": "1+1"}`},
		},
		{name: "prose", in: "The answer is Paris.", wantErr: true},
		{name: "broken json", in: `{"action": "Final Answer", "action_input": "x"`, wantErr: true},
		{name: "missing action", in: `{"action_input": "x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseOutput(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestRestoreHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	turns := []string{"q1", "a1", "q2", "a2", "q3"}
	h := restoreHistory(turns)

	msgs, err := h.Messages(ctx)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	for i, m := range msgs {
		want := "human"
		if i%2 == 1 {
			want = "ai"
		}
		if string(m.GetType()) != want {
			t.Errorf("message %d: expected %s, got %s", i, want, m.GetType())
		}
	}

	got, err := flatten(ctx, h)
	if err != nil {
		t.Fatalf("flatten() error = %v", err)
	}
	if diff := cmp.Diff(turns, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

type fakeRetriever struct {
	gotK    int
	matches []vectorstore.Match
}

func (r *fakeRetriever) Query(_ context.Context, _ string, k int) ([]vectorstore.Match, error) {
	r.gotK = k
	return r.matches, nil
}

func TestKnowledgeBaseTool(t *testing.T) {
	t.Parallel()

	retriever := &fakeRetriever{matches: []vectorstore.Match{
		{ID: "c1", Content: "Paris is the capital of France."},
	}}
	model := &scriptedModel{replies: []string{" Paris. "}}
	kb := NewKnowledgeBaseTool(model, retriever, 3, 0.3)

	if kb.Name() != KnowledgeBaseTool {
		t.Errorf("Expected %s, got %s", KnowledgeBaseTool, kb.Name())
	}
	out, err := kb.Call(context.Background(), "What is the capital of France?")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "Paris." {
		t.Errorf("Expected Paris., got %q", out)
	}
	if retriever.gotK != 3 {
		t.Errorf("Expected k=3, got %d", retriever.gotK)
	}
	prompt := model.lastText(0)
	if !strings.Contains(prompt, "Paris is the capital of France.") || !strings.Contains(prompt, "What is the capital of France?") {
		t.Errorf("Expected context and question in the prompt, got %q", prompt)
	}
}

func TestGoogleSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "k" || q.Get("cx") != "cse" || q.Get("num") != "2" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error": {"message": "bad credentials"}}`))
			return
		}
		if q.Get("q") == "nothing" {
			_, _ = w.Write([]byte(`{"searchInformation": {"totalResults": "0"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"items": [{"snippet": "Paris is the capital."}, {"snippet": "Population 2.1M."}]}`))
	}))
	defer srv.Close()

	g := googleSearch{client: srv.Client(), endpoint: srv.URL, apiKey: "k", cseID: "cse", maxResults: 2}

	out, err := g.Call(context.Background(), "capital of France")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "Paris is the capital. Population 2.1M." {
		t.Errorf("Expected joined snippets, got %q", out)
	}

	out, err = g.Call(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "No good Google Search Result was found" {
		t.Errorf("Expected no-result message, got %q", out)
	}

	g.apiKey = "wrong"
	if _, err := g.Call(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "bad credentials") {
		t.Errorf("Expected API error, got %v", err)
	}
}

func TestNewSearchTool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		opts     SearchOptions
		wantNil  bool
		wantErr  bool
		wantName string
	}{
		{opts: SearchOptions{Provider: "google", GoogleAPIKey: "k", GoogleCSEID: "c"}, wantName: SearchTool},
		{opts: SearchOptions{Provider: "duckduckgo", MaxResults: 3}, wantName: SearchTool},
		{opts: SearchOptions{Provider: "serpapi", SerpAPIKey: "k"}, wantName: SearchTool},
		{opts: SearchOptions{Provider: "serpapi"}, wantErr: true},
		{opts: SearchOptions{Provider: "none"}, wantNil: true},
		{opts: SearchOptions{Provider: "bing"}, wantErr: true},
	}

	for _, tt := range tests {
		tt.opts.Timeout = time.Second
		tool, err := NewSearchTool(tt.opts)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: error = %v, wantErr %v", tt.opts.Provider, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if tt.wantNil {
			if tool != nil {
				t.Errorf("%s: expected no tool", tt.opts.Provider)
			}
			continue
		}
		if tool.Name() != tt.wantName {
			t.Errorf("%s: expected %s, got %s", tt.opts.Provider, tt.wantName, tool.Name())
		}
	}
}

func TestMathTool(t *testing.T) {
	t.Parallel()

	m := NewMathTool()
	if m.Name() != MathTool {
		t.Errorf("Expected %s, got %s", MathTool, m.Name())
	}
	out, err := m.Call(context.Background(), "3 * 4")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "12" {
		t.Errorf("Expected 12, got %q", out)
	}
}
