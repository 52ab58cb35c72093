// Package extractor filters a reasoning model's raw token stream down to the
// user-facing answer text.
//
// The model answers with a JSON blob such as
//
//	{"action": "Final Answer", "action_input": "Paris is the capital."}
//
// and streams it token by token. Only the characters inside the quoted
// action_input value of the final answer are forwarded to the client.
package extractor

import (
	"log/slog"
	"regexp"
	"strings"
)

// Marker is the phrase that opens the final answer region.
const Marker = "Final Answer"

// State is the extractor's position in the token stream.
type State int

const (
	StateScanning State = iota // Before the final answer marker
	StateInAnswer              // Marker seen, inside the final answer blob
	StateDone                  // Stream ended; reset follows immediately
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateInAnswer:
		return "in_answer"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

var (
	// fieldOpener matches the start of the quoted action_input value.
	fieldOpener = regexp.MustCompile(`"action_input"\s*:\s*"`)
	// valueCloser matches what may follow the value's closing quote in the same token.
	valueCloser = regexp.MustCompile("^[\\s},]*(```(json)?)?\\s*$")

	unescaper = strings.NewReplacer(`\"`, `"`, `\n`, "\n", `\t`, "\t", `\\`, `\`)
)

// openerWindow bounds the bytes kept while waiting for the value opener.
const openerWindow = 256

// Output is one filtered result of the extractor.
type Output struct {
	Text string
	Done bool
}

// Extractor is a per-request state machine. It is not safe for concurrent use.
type Extractor struct {
	state  State
	buf    strings.Builder
	carry  string // trailing backslash held until the next token
	opened bool   // action_input value has started
	closed bool   // action_input value has ended
}

// New returns an extractor in the scanning state.
func New() *Extractor {
	return &Extractor{}
}

// State returns the current state.
func (e *Extractor) State() State {
	return e.state
}

// Feed consumes one raw token and returns the text to emit, if any.
func (e *Extractor) Feed(token string) (Output, bool) {
	switch e.state {
	case StateScanning:
		e.buf.WriteString(token)
		// The marker may arrive split over several tokens.
		acc := e.buf.String()
		idx := strings.Index(acc, Marker)
		if idx < 0 {
			e.keepTail(acc, len(Marker)-1)
			return Output{}, false
		}
		// Drop everything up to and including the marker, keep what followed it
		// in the same token.
		rest := acc[idx+len(Marker):]
		e.buf.Reset()
		e.buf.WriteString(rest)
		e.state = StateInAnswer
		e.opened = fieldOpener.MatchString(rest)
		return Output{}, false

	case StateInAnswer:
		if !e.opened {
			e.buf.WriteString(token)
			// The token completing the opener is structural; emission starts after it.
			acc := e.buf.String()
			e.opened = fieldOpener.MatchString(acc)
			if e.opened {
				e.buf.Reset()
			} else {
				e.keepTail(acc, openerWindow)
			}
			return Output{}, false
		}
		if e.closed || token == "" {
			return Output{}, false
		}
		return e.value(token)
	}
	return Output{}, false
}

// value handles a token inside the opened action_input string.
func (e *Extractor) value(token string) (Output, bool) {
	text := e.carry + token
	e.carry = ""

	q := closingQuote(text)
	if q < 0 {
		if structural, closes := classify(text); structural {
			e.closed = closes
			return Output{}, false
		}
		// An escape sequence may straddle two tokens.
		if trailingBackslashes(text)%2 == 1 {
			e.carry = `\`
			text = text[:len(text)-1]
		}
		if text == "" {
			return Output{}, false
		}
		return Output{Text: unescaper.Replace(text)}, true
	}

	// The value ends in this token. Whatever follows the quote is envelope.
	prefix, rest := text[:q], text[q+1:]
	e.closed = true
	if !valueCloser.MatchString(rest) {
		slog.Debug("Unexpected text after final answer value", "rest", rest)
	}
	trimmed := strings.TrimSpace(prefix)
	switch {
	case trimmed == "":
		return Output{}, false
	case len(trimmed) == 1 && strings.ContainsAny(trimmed, ".?!"):
		return Output{Text: trimmed}, true
	}
	return Output{Text: unescaper.Replace(prefix)}, true
}

// End signals the end of one model generation. It returns a Done output if the
// final answer region was entered, and resets the extractor either way.
func (e *Extractor) End() (Output, bool) {
	inAnswer := e.state == StateInAnswer
	e.state = StateDone
	e.reset()
	if inAnswer {
		return Output{Done: true}, true
	}
	return Output{}, false
}

func (e *Extractor) reset() {
	e.buf.Reset()
	e.carry = ""
	e.opened = false
	e.closed = false
	e.state = StateScanning
}

// keepTail trims the buffer to the last n bytes of acc.
func (e *Extractor) keepTail(acc string, n int) {
	if len(acc) <= n {
		return
	}
	e.buf.Reset()
	e.buf.WriteString(acc[len(acc)-n:])
}

// closingQuote returns the index of the first quote in s not escaped by a
// backslash, or -1.
func closingQuote(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func trailingBackslashes(s string) int {
	n := 0
	for n < len(s) && s[len(s)-1-n] == '\\' {
		n++
	}
	return n
}

// classify reports whether a token without a closing quote is envelope noise,
// and whether it ends the value.
func classify(token string) (structural, closes bool) {
	switch strings.TrimSpace(token) {
	case "}", "}}", "}\n```", "}```":
		return true, true
	case "```", "```json":
		return true, false
	}
	return false, false
}
