package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/registry"
	"github.com/Driftware-Labs/keel/pkg/store"
	"github.com/Driftware-Labs/keel/pkg/store/filestore"
	"github.com/Driftware-Labs/keel/pkg/telemetry"
)

// fakeClock is a settable clock shared by the store and the registry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*registry.Registry, store.Store, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	st, err := filestore.Open(filestore.Options{Dir: t.TempDir(), Clock: clk.Now})
	require.NoError(t, err)

	tel, err := telemetry.New(context.Background(), &telemetry.Config{Enabled: false})
	require.NoError(t, err)

	reg := registry.New(registry.Options{
		Store:        st,
		Telemetry:    tel,
		HeartbeatTTL: 90 * time.Second,
		Clock:        clk.Now,
	})
	return reg, st, clk
}

func TestRegister_IdempotentUpsert(t *testing.T) {
	reg, _, clk := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, "agent-1", "platform", []string{"go", "sql"}, 2)
	require.NoError(t, err)
	registeredAt := first.RegisteredAt

	clk.Advance(10 * time.Second)
	second, err := reg.Register(ctx, "agent-1", "infra", []string{"go"}, 3)
	require.NoError(t, err)

	assert.Equal(t, registeredAt, second.RegisteredAt, "registration time survives re-registration")
	assert.Equal(t, "infra", second.Team)
	assert.Equal(t, 3, second.Capacity)
	assert.True(t, second.LastHeartbeat.After(first.LastHeartbeat))
}

func TestRegister_NilCapabilitiesRoundTrips(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "agent-1", "platform", nil, 1)
	require.NoError(t, err)

	// The persisted record must reload as a schema-valid snapshot: a nil
	// capabilities slice would serialize as null and poison the collection.
	snap, err := st.Read(ctx, contracts.CollectionAgentStatus)
	require.NoError(t, err)
	assert.NotNil(t, snap.Agents["agent-1"].Capabilities)

	require.NoError(t, reg.Heartbeat(ctx, "agent-1"))
	views, err := reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Empty(t, views[0].Capabilities)
}

func TestRegister_RejectsEmptyID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), "  ", "platform", nil, 1)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func TestHeartbeat_UnknownAgentIsNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	err := reg.Heartbeat(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestList_DerivesStatusFromHeartbeatAndClaims(t *testing.T) {
	reg, st, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "busy", "platform", nil, 1)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "idle", "platform", nil, 1)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "gone", "platform", nil, 1)
	require.NoError(t, err)

	// "busy" holds one active claim.
	require.NoError(t, st.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		snap.WorkItems["w-1"] = contracts.WorkItem{
			ID: "w-1", Type: "build", Priority: contracts.PriorityHigh,
			Status: contracts.StatusInProgress, ClaimedBy: "busy",
		}
		return nil
	}))

	// Everyone but "gone" heartbeats before the TTL runs out.
	clk.Advance(80 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "busy"))
	require.NoError(t, reg.Heartbeat(ctx, "idle"))
	clk.Advance(20 * time.Second) // "gone" is now 100s stale

	views, err := reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	require.Len(t, views, 3)

	byID := map[string]registry.AgentView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.Equal(t, contracts.AgentActive, byID["busy"].Status)
	assert.Equal(t, 1, byID["busy"].ActiveClaims)
	assert.Equal(t, contracts.AgentIdle, byID["idle"].Status)
	assert.Equal(t, contracts.AgentOffline, byID["gone"].Status)
}

func TestList_Filters(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "a-1", "platform", []string{"go"}, 1)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "a-2", "infra", []string{"terraform"}, 1)
	require.NoError(t, err)

	views, err := reg.List(ctx, registry.Filter{Team: "infra"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "a-2", views[0].ID)

	views, err = reg.List(ctx, registry.Filter{Capability: "go"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "a-1", views[0].ID)
}

func TestDeregister_KeepsRecordForAudit(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "a-1", "platform", nil, 1)
	require.NoError(t, err)
	require.NoError(t, reg.Deregister(ctx, "a-1"))

	views, err := reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, views, "deregistered agents are hidden by default")

	views, err = reg.List(ctx, registry.Filter{IncludeDeregistered: true})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].Deregistered)
	assert.Equal(t, contracts.AgentOffline, views[0].Status)

	// A deregistered agent cannot heartbeat.
	err = reg.Heartbeat(ctx, "a-1")
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestOffline_IncludesStaleAndDeregistered(t *testing.T) {
	reg, _, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "live", "platform", nil, 1)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "stale", "platform", nil, 1)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "quit", "platform", nil, 1)
	require.NoError(t, err)
	require.NoError(t, reg.Deregister(ctx, "quit"))

	clk.Advance(60 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "live"))
	clk.Advance(60 * time.Second) // "stale" is 120s past its last heartbeat

	offline, err := reg.Offline(ctx)
	require.NoError(t, err)
	assert.Contains(t, offline, "stale")
	assert.Contains(t, offline, "quit")
	assert.NotContains(t, offline, "live")
}
