package common

const (
	// SCANNER name to identify the per chain scanners
	SCANNER = "scanner"
	// TRACKER name used by the storage and reconciliation logs, it runs inside the scanners
	TRACKER = "tracker"
	// ORCHESTRATOR name to identify the transaction orchestrator
	ORCHESTRATOR = "orchestrator"
	// RPC name to identify the xcall json rpc component
	RPC = "rpc"
	// NOTIFIER name to identify the websocket, metrics and kafka surfaces
	NOTIFIER = "notifier"
	// RETENTION name to identify the archiving job (implied by tracker)
	RETENTION = "retention"
	// REGISTRY name used by the chain adapters
	REGISTRY = "registry"
)
