// Package pipeline holds the units of work the dispatchers run: answering a
// question, indexing a document batch and retracting one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/ashureev/askstream/internal/agent"
	"github.com/ashureev/askstream/internal/dispatch"
	"github.com/ashureev/askstream/internal/domain"
	"github.com/ashureev/askstream/internal/extractor"
)

// DefaultInvokeTimeout bounds a single question when no timeout is configured.
const DefaultInvokeTimeout = 2 * time.Minute

var errNoResult = errors.New("invocation ended without a result")

// Sessions delivers events to client sessions.
type Sessions interface {
	Send(ctx context.Context, sessionID string, ev domain.Event)
}

// Answers publishes the completed answer of a question.
type Answers interface {
	Publish(ctx context.Context, req domain.RequestEnvelope, res agent.Result) error
}

// QuestionFlow turns question messages into streamed, published answers.
type QuestionFlow struct {
	invoker  agent.Invoker
	sessions Sessions
	answers  Answers
	timeout  time.Duration
}

// NewQuestionFlow creates the question flow. A non-positive timeout selects
// DefaultInvokeTimeout.
func NewQuestionFlow(invoker agent.Invoker, sessions Sessions, answers Answers, timeout time.Duration) *QuestionFlow {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &QuestionFlow{
		invoker:  invoker,
		sessions: sessions,
		answers:  answers,
		timeout:  timeout,
	}
}

// Name implements dispatch.Flow.
func (f *QuestionFlow) Name() string { return "question" }

// Decode implements dispatch.Flow.
func (f *QuestionFlow) Decode(body []byte) (dispatch.Unit, dispatch.Info, error) {
	req, err := domain.DecodeRequest(body)
	if err != nil {
		return nil, dispatch.Info{}, dispatch.Fail(dispatch.KindDecode, err)
	}
	info := dispatch.Info{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
	}
	if err := req.Validate(); err != nil {
		return nil, info, dispatch.Fail(dispatch.KindValidation, err)
	}
	return &questionUnit{flow: f, req: req}, info, nil
}

// Reject implements dispatch.Rejecter by ending the session's request with an
// error event.
func (f *QuestionFlow) Reject(ctx context.Context, info dispatch.Info, _ error) {
	f.sessions.Send(ctx, info.SessionID, domain.ErrorEvent())
}

type questionUnit struct {
	flow *QuestionFlow
	req  domain.RequestEnvelope
}

func (u *questionUnit) Run(ctx context.Context) error {
	f := u.flow
	sid := u.req.SessionID

	f.sessions.Send(ctx, sid, domain.Event{Name: domain.EventAddEntry})
	f.sessions.Send(ctx, sid, domain.StartEvent(u.req.ConversationID))

	// The client must see a terminal event even if the unit panics.
	defer func() {
		if r := recover(); r != nil {
			f.sessions.Send(ctx, sid, domain.ErrorEvent())
			panic(r)
		}
	}()

	res, emitted, err := u.stream(ctx)
	if err != nil {
		f.sessions.Send(ctx, sid, domain.ErrorEvent())
		return dispatch.Fail(dispatch.KindBackend, err)
	}

	// Nothing reached the client when the answer was not a quoted string or
	// never carried the marker; fall back to the final output.
	if !emitted && res.Output != "" {
		slog.Debug("No answer text streamed, sending final output", "session_id", sid)
		f.sessions.Send(ctx, sid, domain.NextToken(domain.TokenEvent{Text: res.Output}))
	}
	f.sessions.Send(ctx, sid, domain.DoneEvent())

	return f.answers.Publish(ctx, u.req, res)
}

// stream runs the invocation and forwards the filtered tokens. It reports
// whether any answer text has been sent.
func (u *questionUnit) stream(ctx context.Context) (agent.Result, bool, error) {
	f := u.flow
	sid := u.req.SessionID

	ictx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ex := extractor.New()
	var (
		res     *agent.Result
		emitted bool
	)
	request := agent.Request{Question: u.req.Question, History: u.req.ChatHistory}
	for ev, err := range f.invoker.Invoke(ictx, request) {
		if err != nil {
			return agent.Result{}, emitted, fmt.Errorf("invoke: %w", err)
		}
		switch {
		case ev.Result != nil:
			res = ev.Result
		case ev.EndOfGeneration:
			ex.End()
		default:
			out, ok := ex.Feed(ev.Token)
			if !ok || out.Text == "" {
				continue
			}
			f.sessions.Send(ctx, sid, domain.NextToken(domain.TokenEvent{Text: out.Text}))
			emitted = true
			runtime.Gosched()
		}
	}
	if res == nil {
		return agent.Result{}, emitted, errNoResult
	}
	return *res, emitted, nil
}
