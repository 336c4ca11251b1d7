// Package registry tracks agent registration, capabilities and
// heartbeat-based liveness on top of the atomic state store.
//
// Agent status is never stored: it is derived at query time from the last
// heartbeat and the TTL, so no background process is needed to mark agents
// offline. Deregistration is logical; records are kept for audit.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/store"
	"github.com/Driftware-Labs/keel/pkg/telemetry"
)

// Registry is the agent registration and liveness surface.
type Registry struct {
	store  store.Store
	tel    *telemetry.Provider
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// Options configures the registry.
type Options struct {
	Store        store.Store
	Telemetry    *telemetry.Provider
	HeartbeatTTL time.Duration
	Clock        func() time.Time
}

// New builds a registry. HeartbeatTTL defaults to 90s.
func New(opts Options) *Registry {
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 90 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		store:  opts.Store,
		tel:    opts.Telemetry,
		ttl:    opts.HeartbeatTTL,
		clock:  opts.Clock,
		logger: slog.Default().With("component", "registry"),
	}
}

// TTL returns the configured heartbeat TTL.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register creates or refreshes an agent record. Idempotent upsert: the
// registration timestamp of an existing record is preserved, everything else
// including the heartbeat is refreshed. Re-registering a deregistered agent
// revives it.
func (r *Registry) Register(ctx context.Context, id, team string, capabilities []string, capacity int) (contracts.AgentRecord, error) {
	const op = "registry.register"
	ctx, done := r.tel.TrackOperation(ctx, op, telemetry.AgentOperation(id, team)...)
	var err error
	defer func() { done(err) }()

	// Nil capabilities would persist as JSON null and fail the snapshot
	// schema on the next load.
	caps := slices.Clone(capabilities)
	if caps == nil {
		caps = []string{}
	}
	rec := contracts.AgentRecord{
		ID:           strings.TrimSpace(id),
		Team:         team,
		Capabilities: caps,
		Capacity:     capacity,
	}
	if verr := rec.Validate(); verr != nil {
		err = fault.Wrap(fault.Validation, op, id, verr)
		return contracts.AgentRecord{}, err
	}

	now := r.clock()
	err = r.store.WithLock(ctx, contracts.CollectionAgentStatus, func(snap *contracts.Snapshot) error {
		rec.LastHeartbeat = now
		rec.RegisteredAt = now
		if prev, ok := snap.Agents[rec.ID]; ok && !prev.RegisteredAt.IsZero() {
			rec.RegisteredAt = prev.RegisteredAt
		}
		snap.Agents[rec.ID] = rec
		return nil
	})
	if err != nil {
		return contracts.AgentRecord{}, err
	}
	r.logger.InfoContext(ctx, "agent registered",
		"agent", rec.ID, "team", team, "capacity", capacity)
	return rec, nil
}

// Heartbeat refreshes the agent's liveness timestamp. The agent must be
// registered first.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	const op = "registry.heartbeat"
	ctx, done := r.tel.TrackOperation(ctx, op, telemetry.AttrAgentID.String(id))
	var err error
	defer func() { done(err) }()

	err = r.store.WithLock(ctx, contracts.CollectionAgentStatus, func(snap *contracts.Snapshot) error {
		rec, ok := snap.Agents[id]
		if !ok || rec.Deregistered {
			return fault.New(fault.NotFound, op, id, "agent is not registered")
		}
		rec.LastHeartbeat = r.clock()
		snap.Agents[id] = rec
		return nil
	})
	return err
}

// Deregister logically removes the agent. The record stays for audit; the
// agent's claims become reclaimable by the sweep as soon as it is gone.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	const op = "registry.deregister"
	ctx, done := r.tel.TrackOperation(ctx, op, telemetry.AttrAgentID.String(id))
	var err error
	defer func() { done(err) }()

	err = r.store.WithLock(ctx, contracts.CollectionAgentStatus, func(snap *contracts.Snapshot) error {
		rec, ok := snap.Agents[id]
		if !ok {
			return fault.New(fault.NotFound, op, id, "agent is not registered")
		}
		rec.Deregistered = true
		snap.Agents[id] = rec
		return nil
	})
	if err == nil {
		r.logger.InfoContext(ctx, "agent deregistered", "agent", id)
	}
	return err
}

// HeartbeatCurrent reports whether the agent exists and its heartbeat is
// within the TTL. Lock-free snapshot read.
func (r *Registry) HeartbeatCurrent(ctx context.Context, id string) (bool, error) {
	snap, err := r.store.Read(ctx, contracts.CollectionAgentStatus)
	if err != nil {
		return false, err
	}
	rec, ok := snap.Agents[id]
	if !ok || rec.Deregistered {
		return false, nil
	}
	return r.clock().Sub(rec.LastHeartbeat) <= r.ttl, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Team                string
	Capability          string
	IncludeDeregistered bool
}

// AgentView is a record plus its derived status and current claim count.
type AgentView struct {
	contracts.AgentRecord
	Status       contracts.AgentStatus `json:"status"`
	ActiveClaims int                   `json:"active_claims"`
}

// List returns agents with derived status, sorted by id. Lock-free: reads
// the last committed agent and work snapshots; stale-but-consistent is fine
// for listings.
func (r *Registry) List(ctx context.Context, f Filter) ([]AgentView, error) {
	agentSnap, err := r.store.Read(ctx, contracts.CollectionAgentStatus)
	if err != nil {
		return nil, err
	}
	workSnap, err := r.store.Read(ctx, contracts.CollectionWorkClaims)
	if err != nil {
		return nil, err
	}

	claims := make(map[string]int)
	for _, item := range workSnap.WorkItems {
		if item.Status == contracts.StatusClaimed || item.Status == contracts.StatusInProgress {
			claims[item.ClaimedBy]++
		}
	}

	now := r.clock()
	out := make([]AgentView, 0, len(agentSnap.Agents))
	for _, rec := range agentSnap.Agents {
		if rec.Deregistered && !f.IncludeDeregistered {
			continue
		}
		if f.Team != "" && rec.Team != f.Team {
			continue
		}
		if f.Capability != "" && !slices.Contains(rec.Capabilities, f.Capability) {
			continue
		}
		out = append(out, AgentView{
			AgentRecord:  rec,
			Status:       rec.DerivedStatus(now, r.ttl, claims[rec.ID]),
			ActiveClaims: claims[rec.ID],
		})
	}
	slices.SortFunc(out, func(a, b AgentView) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Offline returns the ids of agents past the heartbeat TTL, deregistered ones
// included. Used by the scheduler's reclaim sweep.
func (r *Registry) Offline(ctx context.Context) (map[string]struct{}, error) {
	snap, err := r.store.Read(ctx, contracts.CollectionAgentStatus)
	if err != nil {
		return nil, err
	}
	now := r.clock()
	out := make(map[string]struct{})
	for id, rec := range snap.Agents {
		if rec.Deregistered || now.Sub(rec.LastHeartbeat) > r.ttl {
			out[id] = struct{}{}
		}
	}
	return out, nil
}
