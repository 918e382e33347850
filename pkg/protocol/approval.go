package protocol

// ApprovalStatus is the resolution state of a plan-approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalRevision ApprovalStatus = "revision"
)

// ApprovalRequest is posted by an external worker that wants human sign-off
// on a plan before proceeding.
type ApprovalRequest struct {
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Issue   int    `json:"issue"`
	Summary string `json:"summary"`
}

// ApprovalResult is returned by the status-poll endpoint.
type ApprovalResult struct {
	Status   ApprovalStatus `json:"status"`
	Feedback string         `json:"feedback,omitempty"`
}
