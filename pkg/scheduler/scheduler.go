// Package scheduler runs the periodic maintenance ceremonies: sweeping stale
// claims back to the pool, reranking pending work through an external ranker
// with a deterministic fallback, and publishing the aggregate health report.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/lifecycle"
	"github.com/Driftware-Labs/keel/pkg/registry"
	"github.com/Driftware-Labs/keel/pkg/store"
	"github.com/Driftware-Labs/keel/pkg/telemetry"
)

// Scheduler owns the sweep/rerank/health ceremonies. It mutates state only
// through the same locked store paths the lifecycle controller uses.
type Scheduler struct {
	store      store.Store
	registry   *registry.Registry
	tel        *telemetry.Provider
	ranker     Ranker
	rankBudget time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// Options configures the scheduler.
type Options struct {
	Store      store.Store
	Registry   *registry.Registry
	Telemetry  *telemetry.Provider
	Ranker     Ranker        // nil means NopRanker (fallback ordering only)
	RankBudget time.Duration // hard deadline per Rank call, default 2s
	Clock      func() time.Time
}

// New builds a scheduler.
func New(opts Options) *Scheduler {
	if opts.Ranker == nil {
		opts.Ranker = NopRanker{}
	}
	if opts.RankBudget <= 0 {
		opts.RankBudget = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{
		store:      opts.Store,
		registry:   opts.Registry,
		tel:        opts.Telemetry,
		ranker:     opts.Ranker,
		rankBudget: opts.RankBudget,
		clock:      opts.Clock,
		logger:     slog.Default().With("component", "scheduler"),
	}
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Reclaimed      []string `json:"reclaimed"`       // claims released because the owner went offline
	OrphansRemoved []string `json:"orphans_removed"` // claims already terminal in the coordination log
}

// Sweep releases claims held by offline agents and removes claims whose item
// is already terminal in the coordination log (a crash between the two
// completion phases leaves such orphans).
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	const op = "scheduler.sweep"
	ctx, done := s.tel.TrackOperation(ctx, op)
	var err error
	var report SweepReport
	defer func() { done(err) }()

	logSnap, lerr := s.store.Read(ctx, contracts.CollectionCoordinationLog)
	if lerr != nil {
		err = lerr
		return report, err
	}
	terminal := make(map[string]struct{}, len(logSnap.LogEntries))
	for _, e := range logSnap.LogEntries {
		terminal[e.ItemID] = struct{}{}
	}

	now := s.clock()
	err = s.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		// The offline set is derived under the work lock (Offline is a
		// lock-free read of agent_status): an agent that heartbeats while we
		// wait for the lock keeps its claims.
		offline, oerr := s.registry.Offline(ctx)
		if oerr != nil {
			return oerr
		}
		for id, item := range snap.WorkItems {
			if _, dead := terminal[id]; dead {
				delete(snap.WorkItems, id)
				report.OrphansRemoved = append(report.OrphansRemoved, id)
				continue
			}
			if item.Status == contracts.StatusReleased || item.ClaimedBy == "" {
				continue
			}
			if _, gone := offline[item.ClaimedBy]; !gone {
				continue
			}
			item.Status = contracts.StatusReleased
			item.StatusNote = "released by sweep: owner " + item.ClaimedBy + " offline"
			item.ClaimedBy = ""
			item.UpdatedAt = now
			snap.WorkItems[id] = item
			report.Reclaimed = append(report.Reclaimed, id)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	slices.Sort(report.Reclaimed)
	slices.Sort(report.OrphansRemoved)
	if len(report.Reclaimed)+len(report.OrphansRemoved) > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			"reclaimed", len(report.Reclaimed), "orphans_removed", len(report.OrphansRemoved))
	}
	return report, nil
}

// Rerank orders the released (dispatchable) items. The external ranker runs
// under a strict deadline and never under a store lock; any failure, timeout,
// or non-permutation response falls back to the deterministic ordering:
// priority rank descending, then oldest claim first. Valid priority
// suggestions are persisted through the normal locked mutation path before
// the final ordering is computed.
func (s *Scheduler) Rerank(ctx context.Context) ([]contracts.WorkItem, error) {
	const op = "scheduler.rerank"
	ctx, done := s.tel.TrackOperation(ctx, op)
	var err error
	defer func() { done(err) }()

	snap, rerr := s.store.Read(ctx, contracts.CollectionWorkClaims)
	if rerr != nil {
		err = rerr
		return nil, err
	}
	items := make([]contracts.WorkItem, 0, len(snap.WorkItems))
	for _, item := range snap.WorkItems {
		if item.Status == contracts.StatusReleased {
			items = append(items, item)
		}
	}
	lifecycle.SortForDispatch(items)
	if len(items) < 2 {
		return items, nil
	}

	agentSnap, aerr := s.store.Read(ctx, contracts.CollectionAgentStatus)
	if aerr != nil {
		err = aerr
		return nil, err
	}
	agents := make([]contracts.AgentRecord, 0, len(agentSnap.Agents))
	for _, rec := range agentSnap.Agents {
		if !rec.Deregistered {
			agents = append(agents, rec)
		}
	}

	rankCtx, cancel := context.WithTimeout(ctx, s.rankBudget)
	defer cancel()
	sug, rankErr := s.ranker.Rank(rankCtx, items, agents)
	if rankErr != nil {
		s.logger.WarnContext(ctx, "ranker unavailable, using fallback ordering",
			"error", rankErr, "timed_out", errors.Is(rankErr, context.DeadlineExceeded))
		return items, nil
	}

	if changed, perr := s.applyPriorities(ctx, items, sug.Priorities); perr != nil {
		err = perr
		return nil, err
	} else if changed {
		lifecycle.SortForDispatch(items)
	}

	if len(sug.Order) == 0 {
		return items, nil
	}
	ranked, ok := applyOrder(items, sug.Order)
	if !ok {
		s.logger.WarnContext(ctx, "ranker returned a non-permutation, using fallback ordering",
			"items", len(items), "order", len(sug.Order))
		return items, nil
	}
	return ranked, nil
}

// applyPriorities persists the ranker's priority suggestions for items that
// are still released. Unknown ids and invalid priorities are skipped with a
// warning rather than failing the pass.
func (s *Scheduler) applyPriorities(ctx context.Context, items []contracts.WorkItem, prios map[string]contracts.Priority) (bool, error) {
	if len(prios) == 0 {
		return false, nil
	}
	eligible := make(map[string]int, len(items))
	for i, item := range items {
		eligible[item.ID] = i
	}

	now := s.clock()
	changed := false
	err := s.store.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		for id, prio := range prios {
			idx, ok := eligible[id]
			if !ok || !prio.Valid() {
				s.logger.WarnContext(ctx, "skipping ranker priority suggestion",
					"item", id, "priority", prio)
				continue
			}
			cur, live := snap.WorkItems[id]
			if !live || cur.Status != contracts.StatusReleased || cur.Priority == prio {
				continue
			}
			cur.Priority = prio
			cur.UpdatedAt = now
			snap.WorkItems[id] = cur
			items[idx].Priority = prio
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.InfoContext(ctx, "applied ranker priority suggestions")
	}
	return changed, nil
}

// applyOrder reorders items by the id sequence. Returns false unless order is
// an exact permutation of the item ids.
func applyOrder(items []contracts.WorkItem, order []string) ([]contracts.WorkItem, bool) {
	if len(order) != len(items) {
		return nil, false
	}
	byID := make(map[string]contracts.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	out := make([]contracts.WorkItem, 0, len(items))
	for _, id := range order {
		item, ok := byID[id]
		if !ok {
			return nil, false
		}
		delete(byID, id)
		out = append(out, item)
	}
	return out, true
}

// HealthReport is the aggregate view published by Health.
type HealthReport struct {
	GeneratedAt     time.Time                     `json:"generated_at"`
	QueueDepth      int                           `json:"queue_depth"` // claimed + in_progress
	ReleasedItems   int                           `json:"released_items"`
	ByStatus        map[contracts.WorkStatus]int  `json:"by_status"`
	OldestClaimAge  time.Duration                 `json:"oldest_claim_age"`
	Agents          map[contracts.AgentStatus]int `json:"agents"`
	CompletedTotal  int                           `json:"completed_total"`
	LogChainIntact  bool                          `json:"log_chain_intact"`
	LogChainProblem string                        `json:"log_chain_problem,omitempty"`
}

// Health assembles the aggregate report from lock-free snapshot reads,
// verifies the coordination log chain, and publishes the gauges.
func (s *Scheduler) Health(ctx context.Context) (HealthReport, error) {
	const op = "scheduler.health"
	ctx, done := s.tel.TrackOperation(ctx, op)
	var err error
	defer func() { done(err) }()

	report := HealthReport{
		GeneratedAt:    s.clock(),
		ByStatus:       make(map[contracts.WorkStatus]int),
		Agents:         make(map[contracts.AgentStatus]int),
		LogChainIntact: true,
	}

	workSnap, werr := s.store.Read(ctx, contracts.CollectionWorkClaims)
	if werr != nil {
		err = werr
		return report, err
	}
	now := report.GeneratedAt
	for _, item := range workSnap.WorkItems {
		report.ByStatus[item.Status]++
		switch item.Status {
		case contracts.StatusClaimed, contracts.StatusInProgress:
			report.QueueDepth++
			if age := now.Sub(item.ClaimedAt); age > report.OldestClaimAge {
				report.OldestClaimAge = age
			}
		case contracts.StatusReleased:
			report.ReleasedItems++
		}
	}

	agents, aerr := s.registry.List(ctx, registry.Filter{})
	if aerr != nil {
		err = aerr
		return report, err
	}
	for _, a := range agents {
		report.Agents[a.Status]++
	}

	logSnap, lerr := s.store.Read(ctx, contracts.CollectionCoordinationLog)
	if lerr != nil {
		err = lerr
		return report, err
	}
	report.CompletedTotal = len(logSnap.LogEntries)
	if verr := contracts.VerifyLogChain(logSnap.LogEntries); verr != nil {
		report.LogChainIntact = false
		report.LogChainProblem = verr.Error()
	}

	s.tel.RecordHealth(ctx, report.QueueDepth, report.OldestClaimAge, report.Agents[contracts.AgentOffline])
	return report, nil
}
