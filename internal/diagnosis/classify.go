package diagnosis

import "strings"

// Subsystems that failure summaries attribute a stage to.
const (
	SubsystemAPI       = "api"
	SubsystemQueue     = "queue"
	SubsystemWorker    = "worker"
	SubsystemRouter    = "router"
	SubsystemClientAck = "client-ack"
	SubsystemProvider  = "provider"
	SubsystemUnknown   = "unknown"
)

// stageSubsystems maps exact ledger stages to the subsystem that owns them.
// The first block is the pipeline vocabulary shared with external producers;
// the rest are the stages this daemon writes itself.
var stageSubsystems = map[string]string{
	"api_received": SubsystemAPI,

	"queued":  SubsystemQueue,
	"deduped": SubsystemQueue,
	"claimed": SubsystemQueue,

	"executing": SubsystemWorker,
	"completed": SubsystemWorker,
	"failed":    SubsystemWorker,
	"canceled":  SubsystemWorker,

	"routed":             SubsystemRouter,
	"actions_dispatched": SubsystemRouter,
	"fallback":           SubsystemRouter,

	"ack_received": SubsystemClientAck,

	"enqueue":       SubsystemQueue,
	"claim":         SubsystemQueue,
	"lease_reclaim": SubsystemQueue,
	"admin_action":  SubsystemQueue,

	"dispatch":              SubsystemWorker,
	"execute":               SubsystemWorker,
	"handler":               SubsystemWorker,
	StageTaskStatusFallback: SubsystemWorker,

	"llm_call":      SubsystemProvider,
	"llm_stream":    SubsystemProvider,
	"provider_call": SubsystemProvider,
}

// prefixSubsystems catches stage families the exact table does not list.
var prefixSubsystems = []struct {
	prefix    string
	subsystem string
}{
	{"llm_", SubsystemProvider},
	{"provider_", SubsystemProvider},
	{"worker_", SubsystemWorker},
	{"queue_", SubsystemQueue},
}

// ClassifySubsystem attributes a ledger stage to a subsystem. Unrecognized
// stages classify as unknown rather than guessing.
func ClassifySubsystem(stage string) string {
	stage = strings.ToLower(strings.TrimSpace(stage))
	if sub, ok := stageSubsystems[stage]; ok {
		return sub
	}
	for _, p := range prefixSubsystems {
		if strings.HasPrefix(stage, p.prefix) {
			return p.subsystem
		}
	}
	return SubsystemUnknown
}
