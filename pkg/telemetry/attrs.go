package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// keel semantic convention attributes.
var (
	AttrWorkID     = attribute.Key("keel.work.id")
	AttrWorkType   = attribute.Key("keel.work.type")
	AttrPriority   = attribute.Key("keel.work.priority")
	AttrTeam       = attribute.Key("keel.team")
	AttrAgentID    = attribute.Key("keel.agent.id")
	AttrOutcome    = attribute.Key("keel.work.outcome")
	AttrCollection = attribute.Key("keel.store.collection")
	AttrBackend    = attribute.Key("keel.store.backend")
)

// WorkOperation creates attributes for lifecycle operations.
func WorkOperation(itemID, agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkID.String(itemID),
		AttrAgentID.String(agentID),
	}
}

// AgentOperation creates attributes for registry operations.
func AgentOperation(agentID, team string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrTeam.String(team),
	}
}
