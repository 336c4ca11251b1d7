package contracts

// Snapshot JSON Schemas, enforced at the store boundary. A snapshot that
// fails validation raises a storage-corruption fault instead of silently
// defaulting missing fields.

const snapshotCommon = `
	"format_version": {"type": "string", "minLength": 1},
	"collection": {"type": "string", "minLength": 1},
	"updated_at": {"type": "string"}`

// WorkClaimsSchema validates the work_claims snapshot.
const WorkClaimsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["format_version", "collection"],
	"properties": {` + snapshotCommon + `,
		"work_items": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["id", "type", "priority", "status", "progress"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"priority": {"enum": ["low", "medium", "high", "critical"]},
					"team": {"type": "string"},
					"status": {"enum": ["claimed", "in_progress", "released"]},
					"claimed_by": {"type": "string"},
					"progress": {"type": "integer", "minimum": 0, "maximum": 100},
					"estimated_seconds": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

// AgentStatusSchema validates the agent_status snapshot.
const AgentStatusSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["format_version", "collection"],
	"properties": {` + snapshotCommon + `,
		"agents": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["id", "last_heartbeat"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"team": {"type": "string"},
					"capabilities": {"type": ["array", "null"], "items": {"type": "string"}},
					"capacity": {"type": "integer", "minimum": 0},
					"last_heartbeat": {"type": "string"},
					"deregistered": {"type": "boolean"}
				}
			}
		}
	}
}`

// CoordinationLogSchema validates the coordination_log snapshot.
const CoordinationLogSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["format_version", "collection"],
	"properties": {` + snapshotCommon + `,
		"log_entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["sequence", "item_id", "status", "outcome", "content_hash", "prev_hash"],
				"properties": {
					"sequence": {"type": "integer", "minimum": 1},
					"item_id": {"type": "string", "minLength": 1},
					"status": {"enum": ["completed", "failed"]},
					"outcome": {"enum": ["success", "failure"]},
					"confidence": {"type": "integer"},
					"content_hash": {"type": "string", "minLength": 1},
					"prev_hash": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// SchemaFor returns the JSON Schema source for a collection snapshot, or ""
// when the collection is unknown.
func SchemaFor(collection string) string {
	switch collection {
	case CollectionWorkClaims:
		return WorkClaimsSchema
	case CollectionAgentStatus:
		return AgentStatusSchema
	case CollectionCoordinationLog:
		return CoordinationLogSchema
	}
	return ""
}
