package model

// Protocol states of a WakePayload, in wire order. Transitions only move
// forward; StateFailed is terminal and reachable from any non-terminal
// state.
const (
	StateNone             = "none"
	StateSnapSent         = "snap_sent"
	StateMetadataReceived = "metadata_received"
	StateAckPendingSent   = "ack_pending_sent"
	StateComplete         = "complete"
	StateFailed           = "failed"
)

var stateRank = map[string]int{
	StateNone:             0,
	StateSnapSent:         1,
	StateMetadataReceived: 2,
	StateAckPendingSent:   3,
	StateComplete:         4,
}

// StateAdvances reports whether moving from one protocol state to another
// is a legal forward transition.
func StateAdvances(from, to string) bool {
	if from == StateFailed || from == StateComplete {
		return false
	}
	if to == StateFailed {
		return true
	}
	fr, ok := stateRank[from]
	if !ok {
		return false
	}
	tr, ok := stateRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// ImageRecord statuses.
const (
	ImageReceiving = "receiving"
	ImageComplete  = "complete"
	ImageFailed    = "failed"
)

// Device provisioning states.
const (
	ProvisioningReady   = "ready"
	ProvisioningPending = "pending_mapping"
)

// SiteSession statuses.
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// Error codes recorded on ImageRecord when finalization fails. Each code
// marks a distinct step of the completion path.
const (
	ErrCodeAssembly   = "assembly_failed"
	ErrCodeUpload     = "upload_failed"
	ErrCodeCompletion = "completion_failed"
)

// Outbound protocol message types, used for ack audit rows.
const (
	MsgMissingChunks = "missing_chunks"
	MsgResume        = "resume"
	MsgFinalAck      = "final_ack"
	MsgCapture       = "capture"
	MsgSleep         = "sleep"
)
