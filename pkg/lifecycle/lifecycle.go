// Package lifecycle implements the work item state machine: claim,
// progress, complete, release, takeover. Every mutation runs inside the
// store's locked read-modify-write, so two agents racing for the same item
// see exactly one winner.
//
// Terminal transitions are two-phase: the coordination log entry is appended
// first (with a dedup check under the log lock), then the claim is removed.
// A crash between the phases leaves an orphaned claim that the scheduler
// sweep cleans up; retrying the completion reports AlreadyCompleted.
package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/ids"
	"github.com/Driftware-Labs/keel/pkg/registry"
	"github.com/Driftware-Labs/keel/pkg/store"
	"github.com/Driftware-Labs/keel/pkg/telemetry"
)

// Controller drives work item transitions.
type Controller struct {
	store    store.Store
	registry *registry.Registry
	tel      *telemetry.Provider
	clock    func() time.Time
	logger   *slog.Logger
}

// Options configures the controller.
type Options struct {
	Store     store.Store
	Registry  *registry.Registry
	Telemetry *telemetry.Provider
	Clock     func() time.Time
}

// New builds a controller.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Controller{
		store:    opts.Store,
		registry: opts.Registry,
		tel:      opts.Telemetry,
		clock:    opts.Clock,
		logger:   slog.Default().With("component", "lifecycle"),
	}
}

// ClaimRequest describes new work an agent is taking on.
type ClaimRequest struct {
	AgentID          string
	Type             string
	Description      string
	Priority         contracts.Priority
	Team             string
	EstimatedSeconds int64
}

// Claim registers a new work item claimed by the agent. Identical requests
// always create distinct items; callers that want a singleton coordinate by
// item id, not by content.
func (c *Controller) Claim(ctx context.Context, req ClaimRequest) (contracts.WorkItem, error) {
	const op = "lifecycle.claim"
	ctx, done := c.tel.TrackOperation(ctx, op,
		telemetry.AttrAgentID.String(req.AgentID),
		telemetry.AttrWorkType.String(req.Type),
		telemetry.AttrPriority.String(string(req.Priority)))
	var err error
	defer func() { done(err) }()

	if req.AgentID == "" {
		err = fault.New(fault.Validation, op, "", "agent id is empty")
		return contracts.WorkItem{}, err
	}
	alive, aerr := c.registry.HeartbeatCurrent(ctx, req.AgentID)
	if aerr != nil {
		err = aerr
		return contracts.WorkItem{}, err
	}
	if !alive {
		err = fault.New(fault.NotFound, op, req.AgentID, "agent is not registered or its heartbeat expired")
		return contracts.WorkItem{}, err
	}

	now := c.clock()
	item := contracts.WorkItem{
		ID:               ids.New(),
		Type:             strings.TrimSpace(req.Type),
		Description:      req.Description,
		Priority:         req.Priority,
		Team:             req.Team,
		Status:           contracts.StatusClaimed,
		ClaimedBy:        req.AgentID,
		ClaimedAt:        now,
		EstimatedSeconds: req.EstimatedSeconds,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if verr := item.Validate(); verr != nil {
		err = fault.Wrap(fault.Validation, op, item.ID, verr)
		return contracts.WorkItem{}, err
	}

	err = c.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		snap.WorkItems[item.ID] = item
		return nil
	})
	if err != nil {
		return contracts.WorkItem{}, err
	}
	c.logger.InfoContext(ctx, "work claimed",
		"item", item.ID, "agent", req.AgentID, "type", item.Type, "priority", item.Priority)
	return item, nil
}

// Reclaim transitions a released item back to claimed for a new agent.
// Exactly one of several racing agents wins; the rest see a stale-claim
// fault because the item is no longer released when their turn under the
// lock comes.
func (c *Controller) Reclaim(ctx context.Context, itemID, agentID string) (contracts.WorkItem, error) {
	const op = "lifecycle.reclaim"
	ctx, done := c.tel.TrackOperation(ctx, op, telemetry.WorkOperation(itemID, agentID)...)
	var err error
	var item contracts.WorkItem
	defer func() { done(err) }()

	alive, aerr := c.registry.HeartbeatCurrent(ctx, agentID)
	if aerr != nil {
		err = aerr
		return contracts.WorkItem{}, err
	}
	if !alive {
		err = fault.New(fault.NotFound, op, agentID, "agent is not registered or its heartbeat expired")
		return contracts.WorkItem{}, err
	}

	now := c.clock()
	err = c.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		cur, ok := snap.WorkItems[itemID]
		if !ok {
			return fault.New(fault.NotFound, op, itemID, "no such work item")
		}
		if !contracts.CanTransition(cur.Status, contracts.StatusClaimed) {
			return fault.New(fault.StaleClaim, op, itemID,
				"item is "+string(cur.Status)+", held by "+cur.ClaimedBy)
		}
		cur.Status = contracts.StatusClaimed
		cur.ClaimedBy = agentID
		cur.ClaimedAt = now
		cur.Progress = 0
		cur.StatusNote = ""
		cur.UpdatedAt = now
		snap.WorkItems[itemID] = cur
		item = cur
		return nil
	})
	if err != nil {
		return contracts.WorkItem{}, err
	}
	c.logger.InfoContext(ctx, "work reclaimed", "item", itemID, "agent", agentID)
	return item, nil
}

// Progress records progress on an in-flight item. The caller must be the
// current owner with a live heartbeat; otherwise the claim is stale and the
// update is refused.
func (c *Controller) Progress(ctx context.Context, itemID, agentID string, percent int, note string) (contracts.WorkItem, error) {
	const op = "lifecycle.progress"
	ctx, done := c.tel.TrackOperation(ctx, op, telemetry.WorkOperation(itemID, agentID)...)
	var err error
	var item contracts.WorkItem
	defer func() { done(err) }()

	if percent < 0 || percent > 100 {
		err = fault.New(fault.Validation, op, itemID, "progress out of range 0-100")
		return contracts.WorkItem{}, err
	}

	now := c.clock()
	err = c.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		cur, ok := snap.WorkItems[itemID]
		if !ok {
			return fault.New(fault.NotFound, op, itemID, "no such work item")
		}
		if cur.ClaimedBy != agentID {
			return fault.New(fault.StaleClaim, op, itemID, "item is held by "+cur.ClaimedBy)
		}
		// Liveness is derived here, under the lock, so a heartbeat landing
		// just before the mutation is honored and an expiry just before it
		// is refused.
		if lerr := c.requireLiveOwner(ctx, op, agentID); lerr != nil {
			return lerr
		}
		if !contracts.CanTransition(cur.Status, contracts.StatusInProgress) {
			return fault.New(fault.Validation, op, itemID,
				"cannot progress from status "+string(cur.Status))
		}
		cur.Status = contracts.StatusInProgress
		cur.Progress = percent
		if note != "" {
			cur.StatusNote = note
		}
		cur.UpdatedAt = now
		snap.WorkItems[itemID] = cur
		item = cur
		return nil
	})
	if err != nil {
		return contracts.WorkItem{}, err
	}
	return item, nil
}

// Complete performs the terminal transition. Ownership is verified under the
// work_claims lock, never against a possibly stale snapshot read: a claim that
// was taken over after this caller last looked surfaces as StaleClaim instead
// of destroying the new owner's claim. Phase one appends the hash-chained log
// entry under the coordination log lock, with a dedup check so a repeat (or a
// retry after a crash) is reported as AlreadyCompleted. Phase two removes the
// claim, re-checking ownership. Confidence is 0-100.
func (c *Controller) Complete(ctx context.Context, itemID, agentID string, outcome contracts.Outcome, confidence int) error {
	const op = "lifecycle.complete"
	ctx, done := c.tel.TrackOperation(ctx, op,
		append(telemetry.WorkOperation(itemID, agentID),
			telemetry.AttrOutcome.String(string(outcome)))...)
	var err error
	defer func() { done(err) }()

	if !outcome.Valid() {
		err = fault.New(fault.Validation, op, itemID, "unknown outcome "+string(outcome))
		return err
	}
	if confidence < 0 || confidence > 100 {
		err = fault.New(fault.Validation, op, itemID, "confidence out of range 0-100")
		return err
	}

	var item contracts.WorkItem
	held := false
	err = c.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		cur, ok := snap.WorkItems[itemID]
		if !ok {
			return nil // possibly already terminal; the log lock decides below
		}
		if cur.ClaimedBy != agentID {
			return fault.New(fault.StaleClaim, op, itemID, "item is held by "+cur.ClaimedBy)
		}
		alive, aerr := c.registry.HeartbeatCurrent(ctx, agentID)
		if aerr != nil {
			return aerr
		}
		if !alive {
			return fault.New(fault.StaleClaim, op, itemID,
				"caller "+agentID+" heartbeat expired; the claim is eligible for takeover")
		}
		item = cur
		held = true
		return nil
	})
	if err != nil {
		return err
	}

	entry := contracts.CoordinationLogEntry{
		ItemID:      itemID,
		Type:        item.Type,
		Description: item.Description,
		Priority:    item.Priority,
		Team:        item.Team,
		Status:      outcome.TerminalStatus(),
		Outcome:     outcome,
		Confidence:  confidence,
		CompletedBy: agentID,
		ClaimedAt:   item.ClaimedAt,
		CompletedAt: c.clock(),
	}

	err = c.store.WithLock(ctx, contracts.CollectionCoordinationLog, func(logSnap *contracts.Snapshot) error {
		for _, e := range logSnap.LogEntries {
			if e.ItemID == itemID {
				return fault.New(fault.AlreadyCompleted, op, itemID,
					"already "+string(e.Status)+" by "+e.CompletedBy)
			}
		}
		if !held {
			return fault.New(fault.NotFound, op, itemID, "no such work item")
		}
		chained, cerr := contracts.ChainLogEntry(logSnap.LogEntries, entry)
		if cerr != nil {
			return cerr
		}
		logSnap.LogEntries = append(logSnap.LogEntries, chained)
		return nil
	})
	already := fault.IsKind(err, fault.AlreadyCompleted)
	if err != nil && !already {
		return err
	}

	// Phase two. If the item is still in the claims collection (normal path,
	// or an orphan from a crashed earlier attempt), drop it. Ownership is
	// re-checked: if the claim changed hands between the phases, the new
	// owner's claim stays and the sweep reconciles against the log.
	if held {
		if derr := c.store.WithLock(ctx, contracts.CollectionWorkClaims, func(workSnap *contracts.Snapshot) error {
			if cur, ok := workSnap.WorkItems[itemID]; ok && cur.ClaimedBy == agentID {
				delete(workSnap.WorkItems, itemID)
			}
			return nil
		}); derr != nil {
			err = derr
			return err
		}
	}
	if already {
		return err
	}
	c.logger.InfoContext(ctx, "work completed",
		"item", itemID, "agent", agentID, "outcome", outcome, "confidence", confidence)
	return nil
}

// Release gives up a claim without a terminal transition. The item stays in
// the claims collection with status released, available for Reclaim.
func (c *Controller) Release(ctx context.Context, itemID, agentID, note string) error {
	const op = "lifecycle.release"
	ctx, done := c.tel.TrackOperation(ctx, op, telemetry.WorkOperation(itemID, agentID)...)
	var err error
	defer func() { done(err) }()

	now := c.clock()
	err = c.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		cur, ok := snap.WorkItems[itemID]
		if !ok {
			return fault.New(fault.NotFound, op, itemID, "no such work item")
		}
		if cur.ClaimedBy != agentID {
			return fault.New(fault.StaleClaim, op, itemID, "item is held by "+cur.ClaimedBy)
		}
		if !contracts.CanTransition(cur.Status, contracts.StatusReleased) {
			return fault.New(fault.Validation, op, itemID,
				"cannot release from status "+string(cur.Status))
		}
		cur.Status = contracts.StatusReleased
		cur.ClaimedBy = ""
		if note != "" {
			cur.StatusNote = note
		}
		cur.UpdatedAt = now
		snap.WorkItems[itemID] = cur
		return nil
	})
	if err == nil {
		c.logger.InfoContext(ctx, "work released", "item", itemID, "agent", agentID)
	}
	return err
}

// Takeover reassigns an item whose current owner has gone offline. The
// owner's liveness is derived inside the locked section, so concurrent
// takeovers produce one winner and the rest get StaleClaim, and an owner
// heartbeat landing just before the mutation keeps its claim.
func (c *Controller) Takeover(ctx context.Context, itemID, newAgentID string) (contracts.WorkItem, error) {
	const op = "lifecycle.takeover"
	ctx, done := c.tel.TrackOperation(ctx, op, telemetry.WorkOperation(itemID, newAgentID)...)
	var err error
	var item contracts.WorkItem
	defer func() { done(err) }()

	if err = c.requireLiveOwner(ctx, op, newAgentID); err != nil {
		return contracts.WorkItem{}, err
	}

	now := c.clock()
	err = c.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		cur, ok := snap.WorkItems[itemID]
		if !ok {
			return fault.New(fault.NotFound, op, itemID, "no such work item")
		}
		if cur.Status != contracts.StatusReleased {
			if cur.ClaimedBy == newAgentID {
				return fault.New(fault.Validation, op, itemID, "agent already holds this item")
			}
			offline, oerr := c.registry.Offline(ctx)
			if oerr != nil {
				return oerr
			}
			if _, gone := offline[cur.ClaimedBy]; !gone {
				return fault.New(fault.StaleClaim, op, itemID,
					"owner "+cur.ClaimedBy+" is still live")
			}
		}
		cur.Status = contracts.StatusClaimed
		cur.ClaimedBy = newAgentID
		cur.ClaimedAt = now
		cur.Progress = 0
		cur.UpdatedAt = now
		snap.WorkItems[itemID] = cur
		item = cur
		return nil
	})
	if err != nil {
		return contracts.WorkItem{}, err
	}
	c.logger.WarnContext(ctx, "work taken over", "item", itemID, "new_agent", newAgentID)
	return item, nil
}

// requireLiveOwner verifies the acting agent is registered with a current
// heartbeat.
func (c *Controller) requireLiveOwner(ctx context.Context, op, agentID string) error {
	alive, err := c.registry.HeartbeatCurrent(ctx, agentID)
	if err != nil {
		return err
	}
	if !alive {
		return fault.New(fault.NotFound, op, agentID, "agent is not registered or its heartbeat expired")
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Team     string
	AgentID  string
	Statuses []contracts.WorkStatus
}

// List returns active work items sorted by priority rank (highest first),
// then claim age (oldest first). Lock-free snapshot read.
func (c *Controller) List(ctx context.Context, f ListFilter) ([]contracts.WorkItem, error) {
	snap, err := c.store.Read(ctx, contracts.CollectionWorkClaims)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.WorkItem, 0, len(snap.WorkItems))
	for _, item := range snap.WorkItems {
		if f.Team != "" && item.Team != f.Team {
			continue
		}
		if f.AgentID != "" && item.ClaimedBy != f.AgentID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, item.Status) {
			continue
		}
		out = append(out, item)
	}
	SortForDispatch(out)
	return out, nil
}

// Get returns one active item.
func (c *Controller) Get(ctx context.Context, itemID string) (contracts.WorkItem, error) {
	const op = "lifecycle.get"
	snap, err := c.store.Read(ctx, contracts.CollectionWorkClaims)
	if err != nil {
		return contracts.WorkItem{}, err
	}
	item, ok := snap.WorkItems[itemID]
	if !ok {
		return contracts.WorkItem{}, fault.New(fault.NotFound, op, itemID, "no such work item")
	}
	return item, nil
}

// History returns the coordination log, oldest first.
func (c *Controller) History(ctx context.Context) ([]contracts.CoordinationLogEntry, error) {
	snap, err := c.store.Read(ctx, contracts.CollectionCoordinationLog)
	if err != nil {
		return nil, err
	}
	return slices.Clone(snap.LogEntries), nil
}

// SortForDispatch orders items by priority rank descending, then claim age
// descending (oldest claim first), then id for determinism. This is also the
// scheduler's fallback ranking when the external ranker is unavailable.
func SortForDispatch(items []contracts.WorkItem) {
	slices.SortFunc(items, func(a, b contracts.WorkItem) int {
		if d := b.Priority.Rank() - a.Priority.Rank(); d != 0 {
			return d
		}
		switch {
		case a.ClaimedAt.Before(b.ClaimedAt):
			return -1
		case b.ClaimedAt.Before(a.ClaimedAt):
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}
