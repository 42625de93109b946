package store

import (
	"encoding/json"
	"time"
)

// Protocol statuses. A protocol leaves the engine's daily scan as soon as it
// is no longer active or a coach has muted it.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusMuted     = "muted"
	StatusExpired   = "expired"
	StatusPaused    = "paused"
)

// Protocol is one user's current 7-day guided program instance. Days holds
// the ordered day-task payload as opaque JSON; the engine never interprets it.
type Protocol struct {
	ID                string
	UserID            string
	Title             string
	Days              json.RawMessage
	CurrentDay        int
	Status            string
	AssignedWeekStart time.Time
	DaysCompleted     int
	DaysSkipped       int
	MutedByCoach      bool
	MutedBy           string
	MutedReason       string
	MutedAt           *time.Time
	StartedAt         time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActiveProtocol is the projection the daily advancement scan works from.
type ActiveProtocol struct {
	ID                string
	UserID            string
	Title             string
	CurrentDay        int
	AssignedWeekStart time.Time
}

// DayCompletion is the disposition of exactly one day within one protocol.
// At most one row ever exists per (protocol, day_number).
type DayCompletion struct {
	ID               string
	ProtocolID       string
	UserID           string
	DayNumber        int
	CompletedAt      time.Time
	WasSkipped       bool
	AutoSkipped      bool
	SkipReason       string
	ResponseData     json.RawMessage
	Notes            string
	SelfRating       *int
	TimeSpentMinutes *int
}

// RecordedDay is the minimal view of an existing DayCompletion row used to
// decide which days in a range still need a skip insert.
type RecordedDay struct {
	DayNumber  int
	WasSkipped bool
}

// RecordedCompletion is the outcome of persisting an explicit day completion.
type RecordedCompletion struct {
	ID                string
	DaysCompleted     int
	DaysSkipped       int
	ProtocolCompleted bool
}
