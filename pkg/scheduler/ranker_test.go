package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Driftware-Labs/keel/pkg/contracts"
)

func rankerItems() []contracts.WorkItem {
	return []contracts.WorkItem{
		{ID: "w-1", Type: "build", Priority: contracts.PriorityLow, Description: "slow build"},
		{ID: "w-2", Type: "incident", Priority: contracts.PriorityCritical, Description: "prod down"},
	}
}

func rankerAgents() []contracts.AgentRecord {
	return []contracts.AgentRecord{
		{ID: "agent-1", Team: "platform", Capabilities: []string{"go"}, Capacity: 2},
	}
}

func TestHTTPRanker_SendsSnapshotAndParsesSuggestion(t *testing.T) {
	var got rankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(rankResponse{
			Order:      []string{"w-2", "w-1"},
			Priorities: map[string]string{"w-1": "high"},
		})
	}))
	defer srv.Close()

	r := NewHTTPRanker(srv.URL, time.Second)
	sug, err := r.Rank(context.Background(), rankerItems(), rankerAgents())
	require.NoError(t, err)
	assert.Equal(t, []string{"w-2", "w-1"}, sug.Order)
	assert.Equal(t, contracts.PriorityHigh, sug.Priorities["w-1"])

	require.Len(t, got.Items, 2)
	assert.Equal(t, "prod down", got.Items[1].Description)
	assert.Equal(t, "critical", got.Items[1].Priority)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, "agent-1", got.Agents[0].ID)
	assert.Equal(t, 2, got.Agents[0].Capacity)
}

func TestHTTPRanker_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPRanker(srv.URL, time.Second)
	_, err := r.Rank(context.Background(), rankerItems(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPRanker_RespectsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	r := NewHTTPRanker(srv.URL, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Rank(ctx, rankerItems(), nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNopRanker_AlwaysErrors(t *testing.T) {
	_, err := NopRanker{}.Rank(context.Background(), rankerItems(), nil)
	assert.Error(t, err)
}
