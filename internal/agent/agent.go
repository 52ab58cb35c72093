// Package agent implements the reasoning invoker: a conversational ReAct agent
// that answers a question with the help of tools and streams every model token
// as it is generated.
package agent

import (
	"context"
	"iter"
)

// Request is one question with the prior turns of its conversation. History
// alternates human and assistant turns, starting with a human turn.
type Request struct {
	Question string
	History  []string
}

// Result is the outcome of a completed invocation.
type Result struct {
	Input  string
	Output string
	// History is the full turn log including the new question and answer.
	History []string
}

// Event is one element of an invocation stream. Exactly one field is set.
type Event struct {
	// Token is a raw chunk of model output.
	Token string
	// EndOfGeneration marks the end of one model call. An invocation makes
	// several model calls.
	EndOfGeneration bool
	// Result is the final element of a successful stream.
	Result *Result
}

// Invoker runs the reasoning backend for one request.
type Invoker interface {
	// Invoke returns a lazy stream of events. The stream ends after the Result
	// event, or after the first error.
	Invoke(ctx context.Context, req Request) iter.Seq2[Event, error]
}
