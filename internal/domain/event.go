package domain

// Session event names.
const (
	EventNextToken = "next_token"
	EventAddEntry  = "add_entry"
	EventConnected = "connected"
)

// ErrorText is the only failure text a client ever sees.
const ErrorText = "Sorry, I'm having trouble responding right now. Please try again."

// Event is a named, session-addressed message pushed to a client.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// TokenEvent is the payload of a next_token event.
type TokenEvent struct {
	SessionID      string `json:"-"`
	Text           string `json:"text"`
	Done           bool   `json:"done"`
	Error          bool   `json:"error,omitempty"`
	Start          bool   `json:"start,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// NextToken wraps a TokenEvent in its session event.
func NextToken(t TokenEvent) Event {
	return Event{Name: EventNextToken, Data: t}
}

// StartEvent signals that processing began for a conversation.
func StartEvent(conversationID string) Event {
	return NextToken(TokenEvent{Start: true, ConversationID: conversationID})
}

// DoneEvent terminates a streamed answer.
func DoneEvent() Event {
	return NextToken(TokenEvent{Done: true})
}

// ErrorEvent is the single terminal event sent when a request fails.
func ErrorEvent() Event {
	return NextToken(TokenEvent{Text: ErrorText, Done: true, Error: true})
}
