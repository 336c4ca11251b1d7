// Package contracts holds the shared data model: work items, agent records,
// the coordination log, telemetry span records, and the snapshot envelope the
// state store persists. Records are strongly typed and validated at the store
// boundary; a schema mismatch is surfaced, never silently defaulted.
package contracts

import (
	"fmt"
	"time"
)

// Collection names. Each is independently lockable in the state store.
const (
	CollectionWorkClaims      = "work_claims"
	CollectionAgentStatus     = "agent_status"
	CollectionCoordinationLog = "coordination_log"
)

// SnapshotFormatVersion is the persisted snapshot format. Readers accept any
// snapshot whose version satisfies SnapshotFormatConstraint.
const (
	SnapshotFormatVersion    = "1.1.0"
	SnapshotFormatConstraint = "^1"
)

// Priority of a work item.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for deterministic sorting, highest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// WorkStatus is the lifecycle state of an active work item.
type WorkStatus string

const (
	StatusClaimed    WorkStatus = "claimed"
	StatusInProgress WorkStatus = "in_progress"
	StatusReleased   WorkStatus = "released"
	// Terminal states live only in the coordination log.
	StatusCompleted WorkStatus = "completed"
	StatusFailed    WorkStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransitions is the explicit state machine:
// claimed -> in_progress -> {completed, failed}; claimed|in_progress ->
// released; released -> claimed (reclaim by a new agent).
var allowedTransitions = map[WorkStatus]map[WorkStatus]struct{}{
	StatusClaimed: {
		StatusInProgress: {},
		StatusCompleted:  {},
		StatusFailed:     {},
		StatusReleased:   {},
	},
	StatusInProgress: {
		StatusInProgress: {},
		StatusCompleted:  {},
		StatusFailed:     {},
		StatusReleased:   {},
	},
	StatusReleased: {
		StatusClaimed: {},
	},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to WorkStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Outcome of a completed work item.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) Valid() bool { return o == OutcomeSuccess || o == OutcomeFailure }

// TerminalStatus maps an outcome to the terminal work status.
func (o Outcome) TerminalStatus() WorkStatus {
	if o == OutcomeSuccess {
		return StatusCompleted
	}
	return StatusFailed
}

// AgentStatus is derived at query time, never stored.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentIdle    AgentStatus = "idle"
	AgentOffline AgentStatus = "offline"
)

// WorkItem is a unit of claimable work. Owned exclusively by the lifecycle
// controller while active; moved to the coordination log on terminal
// transition and never mutated again.
type WorkItem struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Description      string     `json:"description"`
	Priority         Priority   `json:"priority"`
	Team             string     `json:"team"`
	Status           WorkStatus `json:"status"`
	ClaimedBy        string     `json:"claimed_by,omitempty"`
	ClaimedAt        time.Time  `json:"claimed_at,omitempty"`
	Progress         int        `json:"progress"`
	StatusNote       string     `json:"status_note,omitempty"`
	EstimatedSeconds int64      `json:"estimated_seconds,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks enum and range invariants.
func (w WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("work item id is empty")
	}
	if w.Type == "" {
		return fmt.Errorf("work item %s: type is empty", w.ID)
	}
	if !w.Priority.Valid() {
		return fmt.Errorf("work item %s: unknown priority %q", w.ID, w.Priority)
	}
	switch w.Status {
	case StatusClaimed, StatusInProgress, StatusReleased:
	default:
		return fmt.Errorf("work item %s: illegal active status %q", w.ID, w.Status)
	}
	if w.Progress < 0 || w.Progress > 100 {
		return fmt.Errorf("work item %s: progress %d out of range 0-100", w.ID, w.Progress)
	}
	return nil
}

// CoordinationLogEntry is the immutable historical record of a terminal
// transition. Entries are hash-chained: ContentHash covers the canonicalized
// entry content plus PrevHash.
type CoordinationLogEntry struct {
	Sequence    uint64     `json:"sequence"`
	ItemID      string     `json:"item_id"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Team        string     `json:"team"`
	Status      WorkStatus `json:"status"` // completed or failed
	Outcome     Outcome    `json:"outcome"`
	Confidence  int        `json:"confidence"`
	CompletedBy string     `json:"completed_by"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	CompletedAt time.Time  `json:"completed_at"`
	ContentHash string     `json:"content_hash"`
	PrevHash    string     `json:"prev_hash"`
}

// AgentRecord tracks one registered agent. Status is derived from
// LastHeartbeat at query time; Deregistered records are kept for audit.
type AgentRecord struct {
	ID            string    `json:"id"`
	Team          string    `json:"team"`
	Capabilities  []string  `json:"capabilities"`
	Capacity      int       `json:"capacity"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
	Deregistered  bool      `json:"deregistered,omitempty"`
}

// Validate checks registration invariants.
func (a AgentRecord) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is empty")
	}
	if a.Capacity < 0 {
		return fmt.Errorf("agent %s: capacity %d is negative", a.ID, a.Capacity)
	}
	return nil
}

// DerivedStatus computes the agent status at query time. activeClaims is the
// number of work items the agent currently holds.
func (a AgentRecord) DerivedStatus(now time.Time, ttl time.Duration, activeClaims int) AgentStatus {
	if a.Deregistered || now.Sub(a.LastHeartbeat) > ttl {
		return AgentOffline
	}
	if activeClaims > 0 {
		return AgentActive
	}
	return AgentIdle
}

// TelemetrySpan is one append-only, causally linked span record.
type TelemetrySpan struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Snapshot is the envelope persisted per collection. Exactly one of the
// collection fields is populated, selected by Collection.
type Snapshot struct {
	FormatVersion string    `json:"format_version"`
	Collection    string    `json:"collection"`
	UpdatedAt     time.Time `json:"updated_at"`

	WorkItems  map[string]WorkItem    `json:"work_items,omitempty"`
	Agents     map[string]AgentRecord `json:"agents,omitempty"`
	LogEntries []CoordinationLogEntry `json:"log_entries,omitempty"`
}

// NewSnapshot returns an empty snapshot for the named collection.
func NewSnapshot(collection string) *Snapshot {
	s := &Snapshot{
		FormatVersion: SnapshotFormatVersion,
		Collection:    collection,
	}
	switch collection {
	case CollectionWorkClaims:
		s.WorkItems = make(map[string]WorkItem)
	case CollectionAgentStatus:
		s.Agents = make(map[string]AgentRecord)
	}
	return s
}

// KnownCollection reports whether name is one of the persisted collections.
func KnownCollection(name string) bool {
	switch name {
	case CollectionWorkClaims, CollectionAgentStatus, CollectionCoordinationLog:
		return true
	}
	return false
}
