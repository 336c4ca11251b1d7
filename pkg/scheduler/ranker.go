package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Driftware-Labs/keel/pkg/contracts"
)

// Suggestion is the ranker's advisory output: a preferred dispatch order
// and, optionally, new priorities per item. Either part may be empty.
type Suggestion struct {
	Order      []string
	Priorities map[string]contracts.Priority
}

// Ranker orders pending work. Implementations are advisory: the scheduler
// validates the returned suggestion and falls back to the deterministic
// ordering on any error, timeout, or malformed response.
type Ranker interface {
	// Rank suggests a dispatch order and priority changes for the items,
	// given the current agent pool. It must respect ctx cancellation; the
	// scheduler imposes a strict deadline.
	Rank(ctx context.Context, items []contracts.WorkItem, agents []contracts.AgentRecord) (Suggestion, error)
}

// NopRanker always defers to the deterministic fallback.
type NopRanker struct{}

func (NopRanker) Rank(context.Context, []contracts.WorkItem, []contracts.AgentRecord) (Suggestion, error) {
	return Suggestion{}, fmt.Errorf("no ranker configured")
}

// rankRequest is the wire shape sent to the ranking service. Only fields the
// model needs; descriptions are included so the ranker can reason about
// content, not just metadata.
type rankRequest struct {
	Items  []rankItem  `json:"items"`
	Agents []rankAgent `json:"agents,omitempty"`
}

type rankItem struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Team        string `json:"team"`
	Progress    int    `json:"progress"`
	ClaimedAt   string `json:"claimed_at"`
}

type rankAgent struct {
	ID           string   `json:"id"`
	Team         string   `json:"team"`
	Capabilities []string `json:"capabilities,omitempty"`
	Capacity     int      `json:"capacity"`
}

type rankResponse struct {
	Order      []string          `json:"order"`
	Priorities map[string]string `json:"priorities,omitempty"`
}

// HTTPRanker calls an external ranking service over JSON/HTTP. Calls are
// rate limited so a busy sweep loop cannot hammer the service.
type HTTPRanker struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPRanker builds a ranker against the given endpoint. timeout bounds
// each call independently of the scheduler's own deadline.
func NewHTTPRanker(url string, timeout time.Duration) *HTTPRanker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPRanker{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Rank implements Ranker.
func (r *HTTPRanker) Rank(ctx context.Context, items []contracts.WorkItem, agents []contracts.AgentRecord) (Suggestion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Suggestion{}, err
	}

	req := rankRequest{Items: make([]rankItem, 0, len(items))}
	for _, it := range items {
		req.Items = append(req.Items, rankItem{
			ID:          it.ID,
			Type:        it.Type,
			Description: it.Description,
			Priority:    string(it.Priority),
			Team:        it.Team,
			Progress:    it.Progress,
			ClaimedAt:   it.ClaimedAt.UTC().Format(time.RFC3339),
		})
	}
	for _, a := range agents {
		req.Agents = append(req.Agents, rankAgent{
			ID:           a.ID,
			Team:         a.Team,
			Capabilities: a.Capabilities,
			Capacity:     a.Capacity,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Suggestion{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Suggestion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Suggestion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Suggestion{}, fmt.Errorf("ranker returned %s", resp.Status)
	}

	var out rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Suggestion{}, fmt.Errorf("decode ranker response: %w", err)
	}

	sug := Suggestion{Order: out.Order}
	if len(out.Priorities) > 0 {
		sug.Priorities = make(map[string]contracts.Priority, len(out.Priorities))
		for id, p := range out.Priorities {
			sug.Priorities[id] = contracts.Priority(p)
		}
	}
	return sug, nil
}

var _ Ranker = (*HTTPRanker)(nil)
