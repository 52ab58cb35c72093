// Package domain contains the message and event types shared across the pipeline.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedEnvelope is returned when a queue payload cannot be decoded.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrInvalidEnvelope is returned when a decoded payload is missing required fields.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// RequestEnvelope is an inbound question request.
// ChatHistory alternates roles: even indices are human turns, odd indices assistant turns.
type RequestEnvelope struct {
	UserID         string   `json:"UserId"`
	ConversationID string   `json:"ConversationId"`
	SessionID      string   `json:"SessionId"`
	Question       string   `json:"Question"`
	ChatHistory    []string `json:"ChatHistory"`
}

// AnswerEnvelope is the record published once per completed question.
type AnswerEnvelope struct {
	UserID         string   `json:"UserId"`
	ConversationID string   `json:"ConversationId"`
	Question       string   `json:"Question"`
	Answer         string   `json:"Answer"`
	ChatHistory    []string `json:"ChatHistory"`
}

// DecodeRequest parses a RequestEnvelope from a UTF-8 JSON body.
// ChatHistory may be a JSON array of strings or a string holding such an array.
func DecodeRequest(body []byte) (RequestEnvelope, error) {
	if !gjson.ValidBytes(body) {
		return RequestEnvelope{}, fmt.Errorf("%w: body is not valid JSON", ErrMalformedEnvelope)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return RequestEnvelope{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedEnvelope)
	}

	history, err := decodeHistory(root.Get("ChatHistory"))
	if err != nil {
		return RequestEnvelope{}, err
	}

	req := RequestEnvelope{
		UserID:         root.Get("UserId").String(),
		ConversationID: root.Get("ConversationId").String(),
		SessionID:      root.Get("SessionId").String(),
		Question:       root.Get("Question").String(),
		ChatHistory:    history,
	}
	return req, nil
}

// Validate checks the fields a question unit cannot run without.
func (r RequestEnvelope) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("%w: Question is empty", ErrInvalidEnvelope)
	}
	return nil
}

func decodeHistory(v gjson.Result) ([]string, error) {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return nil, nil
	case v.IsArray():
		return historyStrings(v)
	case v.Type == gjson.String:
		inner := strings.TrimSpace(v.Str)
		if inner == "" {
			return nil, nil
		}
		if !gjson.Valid(inner) {
			return nil, fmt.Errorf("%w: ChatHistory string is not a JSON array", ErrMalformedEnvelope)
		}
		parsed := gjson.Parse(inner)
		if !parsed.IsArray() {
			return nil, fmt.Errorf("%w: ChatHistory string is not a JSON array", ErrMalformedEnvelope)
		}
		return historyStrings(parsed)
	default:
		return nil, fmt.Errorf("%w: ChatHistory has type %s", ErrMalformedEnvelope, v.Type)
	}
}

func historyStrings(arr gjson.Result) ([]string, error) {
	items := arr.Array()
	out := make([]string, 0, len(items))
	for i, item := range items {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("%w: ChatHistory[%d] is not a string", ErrMalformedEnvelope, i)
		}
		out = append(out, item.Str)
	}
	return out, nil
}

// MarshalJSON always encodes ChatHistory as an array, never null.
func (a AnswerEnvelope) MarshalJSON() ([]byte, error) {
	type plain AnswerEnvelope
	if a.ChatHistory == nil {
		a.ChatHistory = []string{}
	}
	return json.Marshal(plain(a))
}
