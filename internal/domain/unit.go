package domain

import "time"

// UnitStatus is the lifecycle state of a unit of work in the journal.
type UnitStatus string

// Unit statuses.
const (
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitDropped   UnitStatus = "dropped"
	// UnitLost marks a unit that was acknowledged but never finished,
	// e.g. because the process died mid-request.
	UnitLost UnitStatus = "lost"
)

// Valid reports whether s is a known status.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitRunning, UnitCompleted, UnitFailed, UnitDropped, UnitLost:
		return true
	}
	return false
}

// UnitRecord is one journal row describing a dispatched message.
type UnitRecord struct {
	ID             string     `json:"id"`
	Flow           string     `json:"flow"`
	MessageID      string     `json:"message_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Status         UnitStatus `json:"status"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// UnitFilter narrows a journal listing.
type UnitFilter struct {
	Status UnitStatus
	Flow   string
	Limit  int
}
