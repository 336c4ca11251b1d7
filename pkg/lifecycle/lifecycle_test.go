package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/lifecycle"
	"github.com/Driftware-Labs/keel/pkg/registry"
	"github.com/Driftware-Labs/keel/pkg/store"
	"github.com/Driftware-Labs/keel/pkg/store/filestore"
	"github.com/Driftware-Labs/keel/pkg/telemetry"
)

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

type harness struct {
	st  store.Store
	reg *registry.Registry
	ctl *lifecycle.Controller
	clk *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := newFakeClock()
	st, err := filestore.Open(filestore.Options{
		Dir:   t.TempDir(),
		Clock: clk.Now,
		Lock: store.LockParams{
			Budget:         10 * time.Second,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	tel, err := telemetry.New(context.Background(), &telemetry.Config{Enabled: false})
	require.NoError(t, err)

	reg := registry.New(registry.Options{
		Store: st, Telemetry: tel, HeartbeatTTL: 90 * time.Second, Clock: clk.Now,
	})
	ctl := lifecycle.New(lifecycle.Options{
		Store: st, Registry: reg, Telemetry: tel, Clock: clk.Now,
	})
	return &harness{st: st, reg: reg, ctl: ctl, clk: clk}
}

func (h *harness) register(t *testing.T, id string) {
	t.Helper()
	_, err := h.reg.Register(context.Background(), id, "platform", nil, 2)
	require.NoError(t, err)
}

func claimReq(agent string) lifecycle.ClaimRequest {
	return lifecycle.ClaimRequest{
		AgentID:     agent,
		Type:        "build",
		Description: "compile and test",
		Priority:    contracts.PriorityHigh,
		Team:        "platform",
	}
}

func TestClaim_RequiresRegisteredAgent(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.Claim(context.Background(), claimReq("ghost"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestClaim_IdenticalRequestsCreateDistinctItems(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	a, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)
	b, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	items, err := h.ctl.List(ctx, lifecycle.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestProgress_OwnerOnly(t *testing.T) {
	h := newHarness(t)
	h.register(t, "owner")
	h.register(t, "intruder")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("owner"))
	require.NoError(t, err)

	updated, err := h.ctl.Progress(ctx, item.ID, "owner", 40, "halfway-ish")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInProgress, updated.Status)
	assert.Equal(t, 40, updated.Progress)

	_, err = h.ctl.Progress(ctx, item.ID, "intruder", 50, "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StaleClaim))
}

func TestProgress_ExpiredHeartbeatRefused(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)

	h.clk.Advance(5 * time.Minute) // well past the 90s TTL
	_, err = h.ctl.Progress(ctx, item.ID, "agent-1", 10, "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestProgress_ValidatesRange(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)

	_, err = h.ctl.Progress(ctx, item.ID, "agent-1", 150, "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Validation))
}

func TestComplete_AppendsChainedLogAndRemovesClaim(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	first, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)
	second, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)

	require.NoError(t, h.ctl.Complete(ctx, first.ID, "agent-1", contracts.OutcomeSuccess, 95))
	require.NoError(t, h.ctl.Complete(ctx, second.ID, "agent-1", contracts.OutcomeFailure, 60))

	items, err := h.ctl.List(ctx, lifecycle.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)

	entries, err := h.ctl.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.StatusCompleted, entries[0].Status)
	assert.Equal(t, contracts.StatusFailed, entries[1].Status)
	require.NoError(t, contracts.VerifyLogChain(entries))
}

func TestComplete_RepeatIsAlreadyCompleted(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)
	require.NoError(t, h.ctl.Complete(ctx, item.ID, "agent-1", contracts.OutcomeSuccess, 100))

	err = h.ctl.Complete(ctx, item.ID, "agent-1", contracts.OutcomeSuccess, 100)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.AlreadyCompleted))
	assert.Equal(t, 0, fault.ExitCode(err), "idempotent repeats succeed from the caller's view")

	entries, err := h.ctl.History(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no duplicate log entry")
}

func TestComplete_NonOwnerIsStaleClaim(t *testing.T) {
	h := newHarness(t)
	h.register(t, "owner")
	h.register(t, "intruder")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("owner"))
	require.NoError(t, err)

	err = h.ctl.Complete(ctx, item.ID, "intruder", contracts.OutcomeSuccess, 100)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StaleClaim))
}

func TestComplete_FormerOwnerAfterTakeoverIsStaleClaim(t *testing.T) {
	h := newHarness(t)
	h.register(t, "owner")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("owner"))
	require.NoError(t, err)

	h.clk.Advance(2 * time.Minute) // owner heartbeat expires
	h.register(t, "successor")
	_, err = h.ctl.Takeover(ctx, item.ID, "successor")
	require.NoError(t, err)
	_, err = h.ctl.Progress(ctx, item.ID, "successor", 40, "")
	require.NoError(t, err)

	// The former owner comes back and tries to finish the item it lost.
	err = h.ctl.Complete(ctx, item.ID, "owner", contracts.OutcomeSuccess, 100)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StaleClaim))

	// The successor's claim survives untouched and the log stays empty.
	got, err := h.ctl.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "successor", got.ClaimedBy)
	assert.Equal(t, 40, got.Progress)
	entries, err := h.ctl.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestComplete_ExpiredHeartbeatRefused(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)

	h.clk.Advance(2 * time.Minute) // past the 90s TTL, claim eligible for takeover
	err = h.ctl.Complete(ctx, item.ID, "agent-1", contracts.OutcomeSuccess, 100)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StaleClaim))

	got, err := h.ctl.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.ClaimedBy, "the claim is left for takeover or sweep")
}

func TestComplete_OrphanedClaimCleanedOnRetry(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)
	require.NoError(t, h.ctl.Complete(ctx, item.ID, "agent-1", contracts.OutcomeSuccess, 100))

	// Simulate the crash window: the log entry exists but the claim came back
	// (as if phase two never ran).
	require.NoError(t, h.st.WithLock(ctx, contracts.CollectionWorkClaims, func(snap *contracts.Snapshot) error {
		item.Status = contracts.StatusClaimed
		snap.WorkItems[item.ID] = item
		return nil
	}))

	err = h.ctl.Complete(ctx, item.ID, "agent-1", contracts.OutcomeSuccess, 100)
	assert.True(t, fault.IsKind(err, fault.AlreadyCompleted))

	items, err := h.ctl.List(ctx, lifecycle.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, items, "retry removes the orphaned claim")
}

func TestReleaseAndReclaim(t *testing.T) {
	h := newHarness(t)
	h.register(t, "first")
	h.register(t, "second")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("first"))
	require.NoError(t, err)
	require.NoError(t, h.ctl.Release(ctx, item.ID, "first", "blocked on review"))

	got, err := h.ctl.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusReleased, got.Status)
	assert.Empty(t, got.ClaimedBy)

	reclaimed, err := h.ctl.Reclaim(ctx, item.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", reclaimed.ClaimedBy)
	assert.Equal(t, contracts.StatusClaimed, reclaimed.Status)

	// The original holder cannot reclaim a now-held item.
	_, err = h.ctl.Reclaim(ctx, item.ID, "first")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StaleClaim))
}

func TestTakeover_RefusedWhileOwnerLive(t *testing.T) {
	h := newHarness(t)
	h.register(t, "owner")
	h.register(t, "vulture")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("owner"))
	require.NoError(t, err)

	_, err = h.ctl.Takeover(ctx, item.ID, "vulture")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StaleClaim))
}

func TestTakeover_AfterOwnerGoesOffline(t *testing.T) {
	h := newHarness(t)
	h.register(t, "owner")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("owner"))
	require.NoError(t, err)

	h.clk.Advance(2 * time.Minute) // owner heartbeat expires
	h.register(t, "successor")     // fresh heartbeat for the new agent

	got, err := h.ctl.Takeover(ctx, item.ID, "successor")
	require.NoError(t, err)
	assert.Equal(t, "successor", got.ClaimedBy)
	assert.Equal(t, 0, got.Progress, "progress resets with the new owner")
}

func TestReclaim_ConcurrentRaceHasOneWinner(t *testing.T) {
	h := newHarness(t)
	h.register(t, "owner")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("owner"))
	require.NoError(t, err)
	require.NoError(t, h.ctl.Release(ctx, item.ID, "owner", ""))

	const racers = 6
	agents := make([]string, racers)
	for i := range racers {
		agents[i] = "racer-" + string(rune('a'+i))
		h.register(t, agents[i])
	}

	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for _, agent := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			if _, err := h.ctl.Reclaim(ctx, item.ID, agent); err == nil {
				wins <- agent
			} else {
				assert.True(t, fault.IsKind(err, fault.StaleClaim) || fault.IsKind(err, fault.Contention),
					"loser saw unexpected error: %v", err)
			}
		}(agent)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one racer may win the claim")

	got, err := h.ctl.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.ClaimedBy)
}

func TestEndToEnd_ClaimProgressComplete(t *testing.T) {
	h := newHarness(t)
	h.register(t, "agent-1")
	ctx := context.Background()

	item, err := h.ctl.Claim(ctx, claimReq("agent-1"))
	require.NoError(t, err)

	for _, pct := range []int{25, 50, 75} {
		h.clk.Advance(10 * time.Second)
		require.NoError(t, h.reg.Heartbeat(ctx, "agent-1"))
		_, err = h.ctl.Progress(ctx, item.ID, "agent-1", pct, "")
		require.NoError(t, err)
	}

	require.NoError(t, h.ctl.Complete(ctx, item.ID, "agent-1", contracts.OutcomeSuccess, 88))

	entries, err := h.ctl.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, item.ID, entries[0].ItemID)
	assert.Equal(t, 88, entries[0].Confidence)
	assert.Equal(t, item.ClaimedAt, entries[0].ClaimedAt)
	require.NoError(t, contracts.VerifyLogChain(entries))
}
