package protocol

// WorkerEventKind identifies a lifecycle signal from an external worker.
type WorkerEventKind string

const (
	WorkerStarted WorkerEventKind = "started"
	WorkerPhase   WorkerEventKind = "phase"
	WorkerFailed  WorkerEventKind = "failed"
	WorkerMerged  WorkerEventKind = "merged"
	WorkerMessage WorkerEventKind = "message"
)

// WorkerEvent is the payload an external worker posts to the daemon's
// /api/worker/{kind} endpoints while it acts on an issue.
type WorkerEvent struct {
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Issue   int    `json:"issue"`
	Phase   string `json:"phase,omitempty"`   // for "phase" events
	Message string `json:"message,omitempty"` // free-form progress or failure detail
}
