package keys

// ContextKey is the wrapper for using context keys
type ContextKey string

const (
	// ModelHandle is the key for the handle of a published process model.
	ModelHandle = "model_h"
	// ModelName is the key for the name of a process model.
	ModelName = "model_name"
	// ProcessInstanceHandle is the key for the handle of an executing process instance.
	ProcessInstanceHandle = "pi_h"
	// ProcessInstanceState is the key for the lifecycle state of a process instance.
	ProcessInstanceState = "pi_state"
	// NodeInstanceHandle is the key for the handle of a node instance.
	NodeInstanceHandle = "ni_h"
	// NodeID is the key for the model node identifier a node instance executes.
	NodeID = "node_id"
	// NodeKind is the key for the kind of a model node.
	NodeKind = "node_kind"
	// TaskState is the key for the task lifecycle state of a node instance.
	TaskState = "task_state"
	// Principal is the key for the caller principal.
	Principal = "principal"
	// Action is the key for the authorization action being checked.
	Action = "action"
	// RequestHandle is the key for the handle of a pending dispatch request.
	RequestHandle = "req_h"
	// CorrelationID is the key for the correlation identifier of an outbound message.
	CorrelationID = "cid"
	// ServiceID is the key for an endpoint service identifier.
	ServiceID = "svc_id"
	// EndpointID is the key for an endpoint identifier.
	EndpointID = "ep_id"
	// Store is the key for the name of a handle store.
	Store = "store"
	// Handle is the key for a generic store handle.
	Handle = "h"
)
