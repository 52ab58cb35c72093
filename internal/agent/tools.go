package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/askstream/internal/vectorstore"
	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/tools"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"github.com/tmc/langchaingo/tools/serpapi"
)

// Tool names as presented to the model.
const (
	KnowledgeBaseTool = "Knowledge Base"
	SearchTool        = "Google Search"
	MathTool          = "Math Equations"
)

const (
	knowledgeBaseDescription = "Leverage this tool when responding to general knowledge queries. " +
		"It taps into a comprehensive knowledge base, enhancing your responses."
	searchDescription = "Activate this tool to perform Google searches and obtain up-to-date, real-time information. " +
		"Ideal for staying current on the latest developments."
	mathDescription = "Use this tool when you encounter math equations that need solving. " +
		"Input must be a single arithmetic expression, for example 2 ** 10 / 4."
)

// namedTool presents a tool under a different name and description.
type namedTool struct {
	name        string
	description string
	inner       tools.Tool
}

func (t namedTool) Name() string        { return t.name }
func (t namedTool) Description() string { return t.description }

func (t namedTool) Call(ctx context.Context, input string) (string, error) {
	return t.inner.Call(ctx, input)
}

// NewMathTool returns the math tool, a starlark expression evaluator.
func NewMathTool() tools.Tool {
	return namedTool{name: MathTool, description: mathDescription, inner: tools.Calculator{}}
}

// Retriever finds the chunks most similar to a query.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]vectorstore.Match, error)
}

type indexRetriever struct {
	index Retriever
	k     int
}

func (r indexRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	matches, err := r.index.Query(ctx, query, r.k)
	if err != nil {
		return nil, err
	}
	docs := make([]schema.Document, len(matches))
	for i, m := range matches {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		docs[i] = schema.Document{PageContent: m.Content, Metadata: meta, Score: m.Similarity}
	}
	return docs, nil
}

// knowledgeBase answers a query from the k most similar indexed chunks,
// stuffed into one question-answering prompt.
type knowledgeBase struct {
	qa          chains.RetrievalQA
	temperature float64
}

// NewKnowledgeBaseTool returns the retrieval tool. Its answers are generated by
// model without streaming.
func NewKnowledgeBaseTool(model llms.Model, index Retriever, k int, temperature float64) tools.Tool {
	return knowledgeBase{
		qa:          chains.NewRetrievalQAFromLLM(model, indexRetriever{index: index, k: k}),
		temperature: temperature,
	}
}

func (kb knowledgeBase) Name() string        { return KnowledgeBaseTool }
func (kb knowledgeBase) Description() string { return knowledgeBaseDescription }

func (kb knowledgeBase) Call(ctx context.Context, input string) (string, error) {
	answer, err := chains.Run(ctx, kb.qa, input, chains.WithTemperature(kb.temperature))
	if err != nil {
		return "", fmt.Errorf("knowledge base: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// SearchOptions configures the web search tool.
type SearchOptions struct {
	Provider     string // google, serpapi, duckduckgo or none
	GoogleAPIKey string
	GoogleCSEID  string
	SerpAPIKey   string
	MaxResults   int
	Timeout      time.Duration
}

// NewSearchTool returns the web search tool for the configured provider, or
// nil when search is disabled.
func NewSearchTool(opts SearchOptions) (tools.Tool, error) {
	client := &http.Client{Timeout: opts.Timeout}
	switch opts.Provider {
	case "google":
		return googleSearch{
			client:     client,
			endpoint:   googleSearchEndpoint,
			apiKey:     opts.GoogleAPIKey,
			cseID:      opts.GoogleCSEID,
			maxResults: opts.MaxResults,
		}, nil
	case "serpapi":
		t, err := serpapi.New(serpapi.WithAPIKey(opts.SerpAPIKey), serpapi.WithHTTPClient(client))
		if err != nil {
			return nil, fmt.Errorf("create serpapi tool: %w", err)
		}
		return namedTool{name: SearchTool, description: searchDescription, inner: t}, nil
	case "duckduckgo":
		t, err := duckduckgo.New(opts.MaxResults, duckduckgo.DefaultUserAgent, duckduckgo.WithHTTPClient(client))
		if err != nil {
			return nil, fmt.Errorf("create duckduckgo tool: %w", err)
		}
		return namedTool{name: SearchTool, description: searchDescription, inner: t}, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", opts.Provider)
	}
}

const (
	googleSearchEndpoint = "https://www.googleapis.com/customsearch/v1"
	maxSearchBody        = 1 << 20
)

// googleSearch queries the Google Custom Search JSON API and returns the
// result snippets.
type googleSearch struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	cseID      string
	maxResults int
}

func (g googleSearch) Name() string        { return SearchTool }
func (g googleSearch) Description() string { return searchDescription }

func (g googleSearch) Call(ctx context.Context, input string) (string, error) {
	q := url.Values{}
	q.Set("key", g.apiKey)
	q.Set("cx", g.cseID)
	q.Set("q", input)
	if g.maxResults > 0 && g.maxResults <= 10 {
		q.Set("num", strconv.Itoa(g.maxResults))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("google search: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("google search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return "", fmt.Errorf("google search: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		return "", fmt.Errorf("google search: status %d: %s", resp.StatusCode, msg)
	}

	var snippets []string
	gjson.GetBytes(body, "items").ForEach(func(_, item gjson.Result) bool {
		if s := strings.TrimSpace(item.Get("snippet").String()); s != "" {
			snippets = append(snippets, s)
		}
		return true
	})
	if len(snippets) == 0 {
		return "No good Google Search Result was found", nil
	}
	return strings.Join(snippets, " "), nil
}
