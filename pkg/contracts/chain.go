package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash anchors an empty coordination log chain.
const GenesisHash = "genesis"

// chainContent is the log entry as covered by the content hash: every field
// except ContentHash itself, with timestamps in a fixed UTC layout. Any
// mutation of a stored entry breaks verification.
type chainContent struct {
	Sequence    uint64     `json:"sequence"`
	ItemID      string     `json:"item_id"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Team        string     `json:"team"`
	Status      WorkStatus `json:"status"`
	Outcome     Outcome    `json:"outcome"`
	Confidence  int        `json:"confidence"`
	CompletedBy string     `json:"completed_by"`
	ClaimedAt   string     `json:"claimed_at"`
	CompletedAt string     `json:"completed_at"`
	PrevHash    string     `json:"prev_hash"`
}

const chainTimeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// HashLogEntry computes the canonical content hash for a log entry. The entry
// is serialized through RFC 8785 canonicalization so the hash is independent
// of field ordering and whitespace.
func HashLogEntry(e CoordinationLogEntry) (string, error) {
	raw, err := json.Marshal(chainContent{
		Sequence:    e.Sequence,
		ItemID:      e.ItemID,
		Type:        e.Type,
		Description: e.Description,
		Priority:    e.Priority,
		Team:        e.Team,
		Status:      e.Status,
		Outcome:     e.Outcome,
		Confidence:  e.Confidence,
		CompletedBy: e.CompletedBy,
		ClaimedAt:   e.ClaimedAt.UTC().Format(chainTimeLayout),
		CompletedAt: e.CompletedAt.UTC().Format(chainTimeLayout),
		PrevHash:    e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal log entry %d: %w", e.Sequence, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize log entry %d: %w", e.Sequence, err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// ChainLogEntry fills Sequence, PrevHash and ContentHash for a new entry
// appended after the existing entries.
func ChainLogEntry(entries []CoordinationLogEntry, e CoordinationLogEntry) (CoordinationLogEntry, error) {
	e.Sequence = uint64(len(entries)) + 1
	e.PrevHash = GenesisHash
	if n := len(entries); n > 0 {
		e.PrevHash = entries[n-1].ContentHash
	}
	hash, err := HashLogEntry(e)
	if err != nil {
		return e, err
	}
	e.ContentHash = hash
	return e, nil
}

// VerifyLogChain walks the chain and reports the first break, if any.
func VerifyLogChain(entries []CoordinationLogEntry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := HashLogEntry(e)
		if err != nil {
			return err
		}
		if computed != e.ContentHash {
			return fmt.Errorf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return nil
}
