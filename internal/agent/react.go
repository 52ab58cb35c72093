package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
	"github.com/tmc/langchaingo/tools"
)

var (
	errStopped       = errors.New("consumer stopped reading")
	errEmptyResponse = errors.New("empty response from model")

	fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
)

// Config controls the agent loop.
type Config struct {
	// MemoryWindow is the number of prior turn pairs shown to the model.
	MemoryWindow int
	// MaxIterations bounds the tool rounds before the agent is forced to answer.
	MaxIterations int
	Temperature   float64
}

// Factory builds a fresh agent for every request. Tools are shared and must be
// safe for concurrent use.
type Factory struct {
	model llms.Model
	tools []tools.Tool
	cfg   Config
}

var _ Invoker = (*Factory)(nil)

// NewFactory creates a factory. Nil tools are skipped.
func NewFactory(model llms.Model, cfg Config, toolset ...tools.Tool) *Factory {
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = 4
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	f := &Factory{model: model, cfg: cfg}
	for _, t := range toolset {
		if t != nil {
			f.tools = append(f.tools, t)
		}
	}
	return f
}

// Tools returns the names of the configured tools.
func (f *Factory) Tools() []string {
	names := make([]string, len(f.tools))
	for i, t := range f.tools {
		names[i] = t.Name()
	}
	return names
}

// Invoke answers req. Model tokens are yielded as they stream; the final event
// carries the Result.
func (f *Factory) Invoke(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		a := &reactAgent{
			model:   f.model,
			tools:   f.tools,
			cfg:     f.cfg,
			history: restoreHistory(req.History),
			yield:   yield,
		}
		res, err := a.run(ctx, req.Question)
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			yield(Event{}, err)
			return
		}
		yield(Event{Result: res}, nil)
	}
}

// reactAgent holds the state of one request.
type reactAgent struct {
	model   llms.Model
	tools   []tools.Tool
	cfg     Config
	history *memory.ChatMessageHistory
	yield   func(Event, error) bool
}

type step struct {
	tool  string
	input string
	final bool
}

func (a *reactAgent) run(ctx context.Context, question string) (*Result, error) {
	prior, err := window(ctx, a.history, a.cfg.MemoryWindow)
	if err != nil {
		return nil, err
	}

	prompt := make([]llms.MessageContent, 0, len(prior)+2+2*a.cfg.MaxIterations+1)
	prompt = append(prompt, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	prompt = append(prompt, toContent(prior)...)
	prompt = append(prompt, llms.TextParts(llms.ChatMessageTypeHuman, userPrompt(a.tools, question)))

	for i := 0; i < a.cfg.MaxIterations; i++ {
		output, err := a.generate(ctx, prompt)
		if err != nil {
			return nil, err
		}

		var observation string
		s, perr := parseOutput(output)
		switch {
		case perr != nil:
			slog.Debug("Agent output not parseable", "iteration", i, "error", perr)
			observation = invalidResponse
		case s.final:
			return a.finish(ctx, question, s.input)
		default:
			observation, err = a.callTool(ctx, s)
			if err != nil {
				return nil, err
			}
		}

		prompt = append(prompt,
			llms.TextParts(llms.ChatMessageTypeAI, output),
			llms.TextParts(llms.ChatMessageTypeHuman, toolResponse(observation)),
		)
	}

	// Out of iterations: one more call asking for the final answer. Output
	// that still does not parse is returned as is.
	prompt = append(prompt, llms.TextParts(llms.ChatMessageTypeHuman, earlyStopPrompt))
	output, err := a.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if s, err := parseOutput(output); err == nil && s.final {
		return a.finish(ctx, question, s.input)
	}
	return a.finish(ctx, question, output)
}

// generate makes one streaming model call.
func (a *reactAgent) generate(ctx context.Context, prompt []llms.MessageContent) (string, error) {
	stopped := false
	resp, err := a.model.GenerateContent(ctx, prompt,
		llms.WithTemperature(a.cfg.Temperature),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if !a.yield(Event{Token: string(chunk)}, nil) {
				stopped = true
				return errStopped
			}
			return nil
		}),
	)
	if stopped {
		return "", errStopped
	}
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if !a.yield(Event{EndOfGeneration: true}, nil) {
		return "", errStopped
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

func (a *reactAgent) callTool(ctx context.Context, s step) (string, error) {
	for _, t := range a.tools {
		if t.Name() != s.tool {
			continue
		}
		slog.Debug("Agent calling tool", "tool", s.tool)
		out, err := t.Call(ctx, s.input)
		if err != nil {
			return "", fmt.Errorf("tool %s: %w", s.tool, err)
		}
		return out, nil
	}
	names := make([]string, len(a.tools))
	for i, t := range a.tools {
		names[i] = t.Name()
	}
	return fmt.Sprintf("%s is not a valid tool, try one of [%s].", s.tool, strings.Join(names, ", ")), nil
}

func (a *reactAgent) finish(ctx context.Context, question, answer string) (*Result, error) {
	if err := a.history.AddUserMessage(ctx, question); err != nil {
		return nil, fmt.Errorf("record question: %w", err)
	}
	if err := a.history.AddAIMessage(ctx, answer); err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}
	turns, err := flatten(ctx, a.history)
	if err != nil {
		return nil, err
	}
	return &Result{Input: question, Output: answer, History: turns}, nil
}

// parseOutput reads the action blob out of a model response, with or without
// a surrounding code fence.
func parseOutput(text string) (step, error) {
	body := strings.TrimSpace(text)
	if m := fencedBlock.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return step{}, fmt.Errorf("no json object in %q", text)
	}
	raw := body[start : end+1]
	if !gjson.Valid(raw) {
		return step{}, fmt.Errorf("invalid json in %q", text)
	}

	blob := gjson.Parse(raw)
	action := blob.Get("action")
	if action.Type != gjson.String {
		return step{}, fmt.Errorf("missing action in %q", text)
	}
	in := blob.Get("action_input")
	input := in.Raw
	if in.Type == gjson.String {
		input = in.Str
	}
	return step{tool: action.Str, input: input, final: action.Str == finalAction}, nil
}
