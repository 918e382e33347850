package protocol

// DeployState mirrors the states reported by the deploy-notification webhook.
type DeployState string

const (
	DeployBuilding DeployState = "building"
	DeployReady    DeployState = "ready"
	DeployError    DeployState = "error"
)

// DeployEvent is the inbound deploy-notification payload.
type DeployEvent struct {
	State         DeployState `json:"state"`
	Branch        string      `json:"branch"`
	SiteID        string      `json:"site_id"`
	CommitMessage string      `json:"commit_message"`
	URL           string      `json:"url"`
}
