package protocol

import "encoding/json"

// Message types carried on the command channel.
const (
	TypeCommand               = "cmd"
	TypeResult                = "result"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeEvent                 = "event"
	TypeInterventionRequest   = "intervention_request"
	TypeInterventionCreated   = "intervention_created"
	TypeInterventionCompleted = "intervention_completed"
)

// Message is the wire envelope for every frame on either transport.
// Fields are a union; Type decides which are populated.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Result fields
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`

	// Ping/pong probe timestamp, unix milliseconds
	T int64 `json:"t,omitempty"`

	// Server-initiated event
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	// Intervention handshake
	InterventionID string `json:"interventionId,omitempty"`
	ViewerURL      string `json:"viewerUrl,omitempty"`
	ResolvedAt     int64  `json:"resolvedAt,omitempty"`
}

// RemoteError is the failure payload of a result frame
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InterventionParams is the params payload of an intervention_request
type InterventionParams struct {
	Reason       string `json:"reason"`
	Instructions string `json:"instructions"`
}

// Known command methods. The remote side is the authority on validating
// method-specific params; this list exists for logging and metrics labels.
const (
	MethodNavigate        = "navigate"
	MethodClick           = "click"
	MethodType            = "type"
	MethodFill            = "fill"
	MethodHover           = "hover"
	MethodPress           = "press"
	MethodEvaluate        = "evaluate"
	MethodScreenshot      = "screenshot"
	MethodSetViewport     = "setViewport"
	MethodWaitForSelector = "waitForSelector"
	MethodGoBack          = "goBack"
	MethodGoForward       = "goForward"
	MethodReload          = "reload"
)
