package store

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Driftware-Labs/keel/pkg/contracts"
	"github.com/Driftware-Labs/keel/pkg/fault"
)

var (
	snapshotSchemas  = map[string]*jsonschema.Schema{}
	formatConstraint *semver.Constraints
)

func init() {
	for _, coll := range []string{
		contracts.CollectionWorkClaims,
		contracts.CollectionAgentStatus,
		contracts.CollectionCoordinationLog,
	} {
		snapshotSchemas[coll] = jsonschema.MustCompileString(coll+".schema.json", contracts.SchemaFor(coll))
	}
	c, err := semver.NewConstraint(contracts.SnapshotFormatConstraint)
	if err != nil {
		panic(fmt.Sprintf("bad snapshot format constraint: %v", err))
	}
	formatConstraint = c
}

// DecodeSnapshot parses and validates a persisted snapshot. Empty input
// yields a fresh snapshot for the collection. Any parse or schema failure is
// a storage-corruption fault: the caller must halt mutations on the
// collection rather than overwrite it.
func DecodeSnapshot(op, collection string, raw []byte) (*contracts.Snapshot, error) {
	if !contracts.KnownCollection(collection) {
		return nil, fault.New(fault.Validation, op, collection, "unknown collection")
	}
	if len(raw) == 0 {
		return contracts.NewSnapshot(collection), nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.StorageCorruption, op, collection, fmt.Errorf("snapshot is not valid JSON: %w", err))
	}
	if err := snapshotSchemas[collection].Validate(doc); err != nil {
		return nil, fault.Wrap(fault.StorageCorruption, op, collection, fmt.Errorf("snapshot schema mismatch: %w", err))
	}

	var snap contracts.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fault.Wrap(fault.StorageCorruption, op, collection, err)
	}
	if snap.Collection != collection {
		return nil, fault.New(fault.StorageCorruption, op, collection,
			fmt.Sprintf("snapshot belongs to collection %q", snap.Collection))
	}
	ver, err := semver.NewVersion(snap.FormatVersion)
	if err != nil {
		return nil, fault.Wrap(fault.StorageCorruption, op, collection, fmt.Errorf("bad format version %q: %w", snap.FormatVersion, err))
	}
	if !formatConstraint.Check(ver) {
		return nil, fault.New(fault.StorageCorruption, op, collection,
			fmt.Sprintf("format version %s outside supported range %s", snap.FormatVersion, contracts.SnapshotFormatConstraint))
	}

	// Maps may be nil after decoding an older snapshot with no entries.
	if collection == contracts.CollectionWorkClaims && snap.WorkItems == nil {
		snap.WorkItems = make(map[string]contracts.WorkItem)
	}
	if collection == contracts.CollectionAgentStatus && snap.Agents == nil {
		snap.Agents = make(map[string]contracts.AgentRecord)
	}
	return &snap, nil
}

// EncodeSnapshot serializes a snapshot for persistence, stamping the current
// format version.
func EncodeSnapshot(snap *contracts.Snapshot) ([]byte, error) {
	snap.FormatVersion = contracts.SnapshotFormatVersion
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s snapshot: %w", snap.Collection, err)
	}
	return raw, nil
}
