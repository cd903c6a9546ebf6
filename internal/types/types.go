package types

import "time"

// RiskLevel classifies how dangerous an auto-responder action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// WSMessage envelopes every message pushed over the operator dashboard
// websocket hub.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WebSocket message type constants.
const (
	WSTypeQueueUpdate   = "queue_update"
	WSTypeTaskEvent     = "task_event"
	WSTypeWatcherEvent  = "watcher_event"
	WSTypeSessionUpdate = "session_update"
	WSTypeResponderHit  = "responder_hit"
	WSTypeAlert         = "alert"
)

// DispatcherThresholds are operator-configurable limits for the dispatcher.
type DispatcherThresholds struct {
	MinTaskIntervalMS     int64 `json:"min_task_interval_ms" yaml:"min_task_interval_ms"`
	WorkerSpawnCooldownMS int64 `json:"worker_spawn_cooldown_ms" yaml:"worker_spawn_cooldown_ms"`
	MaxConsecutiveFails   int   `json:"max_consecutive_fails" yaml:"max_consecutive_fails"`
	IdleTimeoutSeconds    int   `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

// DefaultDispatcherThresholds returns sensible defaults.
func DefaultDispatcherThresholds() DispatcherThresholds {
	return DispatcherThresholds{
		MinTaskIntervalMS:     500,
		WorkerSpawnCooldownMS: 5000,
		MaxConsecutiveFails:   3,
		IdleTimeoutSeconds:    600,
	}
}

// Region describes a deployment region/shard that nodes belong to.
type Region struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Nodes       []string `yaml:"nodes" json:"nodes"`
}

// RegionsConfig is the top-level shape of a regions.yaml document. Nothing
// in the module loads it; regions.LoadTopology parses its own Topology type.
type RegionsConfig struct {
	Regions []Region `yaml:"regions" json:"regions"`
}

// NodeInfo is the topology record for a worker node within a region.
type NodeInfo struct {
	ID       string    `json:"id"`
	Region   string    `json:"region"`
	LastSeen time.Time `json:"last_seen"`
	Capacity int       `json:"capacity"`
}
