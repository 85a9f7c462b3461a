package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"acpdesk/backend"
	"acpdesk/internal/keylock"

	"github.com/google/uuid"
)

// Emitter receives the synchronizer's team-scoped events
type Emitter interface {
	Emit(event backend.Event)
}

// SyncedData is the payload of a missions_synced event
type SyncedData struct {
	ConversationID string     `json:"conversationId"`
	TeamName       string     `json:"teamName"`
	Created        []*Mission `json:"created"`
}

// UpdatedData is the payload of a mission_updated event
type UpdatedData struct {
	Mission    *Mission   `json:"mission"`
	Transition Transition `json:"transition"`
}

// Skipped is a reported task that was not applied
type Skipped struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// SyncResult summarizes one synchronization pass
type SyncResult struct {
	Created     []*Mission
	Updated     []*Mission
	Transitions []Transition
	Skipped     []Skipped
}

// SyncOption configures one sync call
type SyncOption func(*syncOptions)

type syncOptions struct {
	triggeredBy string
	source      string
}

// TriggeredBy records who caused the transitions of this pass
func TriggeredBy(who string) SyncOption {
	return func(o *syncOptions) { o.triggeredBy = who }
}

// WithSource tags newly created missions
func WithSource(source string) SyncOption {
	return func(o *syncOptions) { o.source = source }
}

// Synchronizer upserts reported tasks into the mission ledger. Calls for the
// same conversation and team are serialized.
type Synchronizer struct {
	store   Store
	emitter Emitter
	locks   *keylock.Map
	now     func() time.Time
}

// NewSynchronizer creates a synchronizer. emitter may be nil.
func NewSynchronizer(store Store, emitter Emitter) *Synchronizer {
	return &Synchronizer{
		store:   store,
		emitter: emitter,
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store
func (s *Synchronizer) Store() Store {
	return s.store
}

// SyncFromTasks applies one observation of a team's task list. It is safe to
// call repeatedly with an unchanged list. Missions absent from tasks are left
// alone. A task that cannot be applied is skipped and the rest continue.
func (s *Synchronizer) SyncFromTasks(ctx context.Context, conversationID, teamName string, tasks []ReportedTask, opts ...SyncOption) (*SyncResult, error) {
	o := syncOptions{triggeredBy: "agent", source: "agent"}
	for _, opt := range opts {
		opt(&o)
	}

	unlock := s.locks.Lock(conversationID + "\x00" + teamName)
	defer unlock()

	res := &SyncResult{}
	var updates []UpdatedData
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		state, ok := ParseState(task.State)
		if task.ID == "" || task.Subject == "" || !ok {
			res.Skipped = append(res.Skipped, Skipped{Index: i, ID: task.ID, Reason: skipReason(task, ok)})
			slog.Warn("skipping malformed task", "conversation_id", conversationID, "team", teamName, "index", i, "id", task.ID)
			continue
		}

		key := Key{ConversationID: conversationID, TeamName: teamName, ExternalID: task.ID}
		existing, err := s.store.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			m := s.newMission(key, task, state, o.source)
			if err := s.store.Upsert(ctx, m); err != nil {
				res.Skipped = append(res.Skipped, Skipped{Index: i, ID: task.ID, Reason: err.Error()})
				slog.Warn("failed to create mission", "conversation_id", conversationID, "team", teamName, "id", task.ID, "error", err)
				continue
			}
			res.Created = append(res.Created, m)

		case err != nil:
			res.Skipped = append(res.Skipped, Skipped{Index: i, ID: task.ID, Reason: err.Error()})
			slog.Warn("failed to read mission", "conversation_id", conversationID, "team", teamName, "id", task.ID, "error", err)

		default:
			m, tr, changed := s.apply(existing, task, state, o.triggeredBy)
			if !changed {
				continue
			}
			if err := s.store.Upsert(ctx, m); err != nil {
				res.Skipped = append(res.Skipped, Skipped{Index: i, ID: task.ID, Reason: err.Error()})
				slog.Warn("failed to update mission", "conversation_id", conversationID, "team", teamName, "id", task.ID, "error", err)
				continue
			}
			res.Updated = append(res.Updated, m)
			if tr != nil {
				res.Transitions = append(res.Transitions, *tr)
				updates = append(updates, UpdatedData{Mission: m.Clone(), Transition: *tr})
			}
		}
	}

	if len(res.Created) > 0 {
		created := make([]*Mission, len(res.Created))
		for i, m := range res.Created {
			created[i] = m.Clone()
		}
		s.emit(backend.EventMissionsSynced, conversationID, SyncedData{ConversationID: conversationID, TeamName: teamName, Created: created})
	}
	for _, u := range updates {
		s.emit(backend.EventMissionUpdated, conversationID, u)
	}
	return res, nil
}

// SyncFromJSON validates each raw entry against the task schema before
// syncing. Invalid entries are skipped.
func (s *Synchronizer) SyncFromJSON(ctx context.Context, conversationID, teamName string, raw []json.RawMessage, opts ...SyncOption) (*SyncResult, error) {
	var tasks []ReportedTask
	var skipped []Skipped
	var index []int
	for i, entry := range raw {
		task, err := ValidateTask(entry)
		if err != nil {
			skipped = append(skipped, Skipped{Index: i, ID: task.ID, Reason: err.Error()})
			slog.Warn("skipping invalid task", "conversation_id", conversationID, "team", teamName, "index", i, "error", err)
			continue
		}
		tasks = append(tasks, task)
		index = append(index, i)
	}

	res, err := s.SyncFromTasks(ctx, conversationID, teamName, tasks, opts...)
	if res != nil {
		for j := range res.Skipped {
			res.Skipped[j].Index = index[res.Skipped[j].Index]
		}
		res.Skipped = append(skipped, res.Skipped...)
	}
	return res, err
}

// List returns the missions matching filter
func (s *Synchronizer) List(ctx context.Context, filter Filter) ([]*Mission, error) {
	return s.store.List(ctx, filter)
}

// DeleteTeam removes a team's missions
func (s *Synchronizer) DeleteTeam(ctx context.Context, conversationID, teamName string) (int, error) {
	unlock := s.locks.Lock(conversationID + "\x00" + teamName)
	defer unlock()
	return s.store.DeleteTeam(ctx, conversationID, teamName)
}

// DeleteConversation removes every mission of a conversation
func (s *Synchronizer) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	return s.store.DeleteConversation(ctx, conversationID)
}

func (s *Synchronizer) newMission(key Key, task ReportedTask, state State, source string) *Mission {
	now := s.now()
	m := &Mission{
		ID:             uuid.NewString(),
		ExternalID:     key.ExternalID,
		ConversationID: key.ConversationID,
		TeamName:       key.TeamName,
		Subject:        task.Subject,
		Assignee:       task.Assignee,
		State:          state,
		StateHistory:   []Transition{},
		Source:         source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch state {
	case StateInProgress:
		m.StartedAt = &now
	case StateCompleted:
		m.CompletedAt = &now
	}
	return m
}

// apply returns the updated mission, the transition if the state changed,
// and whether anything changed at all
func (s *Synchronizer) apply(existing *Mission, task ReportedTask, state State, triggeredBy string) (*Mission, *Transition, bool) {
	m := existing.Clone()
	now := s.now()
	changed := false

	if m.Subject != task.Subject || m.Assignee != task.Assignee {
		m.Subject = task.Subject
		m.Assignee = task.Assignee
		changed = true
	}

	var tr *Transition
	if m.State != state {
		tr = &Transition{From: m.State, To: state, At: now, TriggeredBy: triggeredBy}
		m.StateHistory = append(m.StateHistory, *tr)
		m.State = state
		if state == StateInProgress && m.StartedAt == nil {
			m.StartedAt = &now
		}
		if state == StateCompleted && m.CompletedAt == nil {
			m.CompletedAt = &now
		}
		changed = true
	}

	if changed {
		m.UpdatedAt = now
	}
	return m, tr, changed
}

func (s *Synchronizer) emit(t backend.EventType, conversationID string, data any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(backend.Event{Type: t, ConversationID: conversationID, Data: data})
}

func skipReason(task ReportedTask, stateOK bool) string {
	switch {
	case task.ID == "":
		return "missing id"
	case task.Subject == "":
		return "missing subject"
	case !stateOK:
		return fmt.Sprintf("unknown state %q", task.State)
	default:
		return "invalid"
	}
}
