// Package mission keeps a durable ledger of the tasks agents report and
// synchronizes it from each new observation.
package mission

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no mission exists for a key
var ErrNotFound = errors.New("mission not found")

// State of a mission
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateBlocked    State = "blocked"
)

var stateAliases = map[string]State{
	"pending":     StatePending,
	"todo":        StatePending,
	"open":        StatePending,
	"not_started": StatePending,
	"in_progress": StateInProgress,
	"in-progress": StateInProgress,
	"inprogress":  StateInProgress,
	"running":     StateInProgress,
	"active":      StateInProgress,
	"completed":   StateCompleted,
	"complete":    StateCompleted,
	"done":        StateCompleted,
	"finished":    StateCompleted,
	"blocked":     StateBlocked,
	"failed":      StateBlocked,
	"error":       StateBlocked,
	"cancelled":   StateBlocked,
}

// ParseState maps a reported status onto a State
func ParseState(s string) (State, bool) {
	st, ok := stateAliases[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

// Transition is one recorded state change
type Transition struct {
	From        State     `json:"from"`
	To          State     `json:"to"`
	At          time.Time `json:"at"`
	TriggeredBy string    `json:"triggeredBy"`
}

// Key is the natural key of a mission
type Key struct {
	ConversationID string
	TeamName       string
	ExternalID     string
}

// Mission mirrors one externally reported task
type Mission struct {
	ID             string       `json:"id"`
	ExternalID     string       `json:"externalId"`
	ConversationID string       `json:"conversationId"`
	TeamName       string       `json:"teamName"`
	Subject        string       `json:"subject"`
	Assignee       string       `json:"assignee,omitempty"`
	State          State        `json:"state"`
	StateHistory   []Transition `json:"stateHistory"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	Source         string       `json:"source"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Key returns the mission's natural key
func (m *Mission) Key() Key {
	return Key{ConversationID: m.ConversationID, TeamName: m.TeamName, ExternalID: m.ExternalID}
}

// Clone returns a deep copy
func (m *Mission) Clone() *Mission {
	c := *m
	c.StateHistory = append([]Transition(nil), m.StateHistory...)
	if m.StartedAt != nil {
		t := *m.StartedAt
		c.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Filter narrows List; empty fields match everything
type Filter struct {
	ConversationID string
	TeamName       string
}

func (f Filter) matches(m *Mission) bool {
	return (f.ConversationID == "" || f.ConversationID == m.ConversationID) &&
		(f.TeamName == "" || f.TeamName == m.TeamName)
}
