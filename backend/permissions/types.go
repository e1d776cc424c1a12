package permissions

import "time"

// Capabilities tracked by the store.
const (
	CapScreencast    = "screencast"
	CapScreenshot    = "screenshot"
	CapRemoteDesktop = "remote-desktop"
	CapBackground    = "background"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Record is the persisted decision for one (app, capability) pair.
type Record struct {
	AppID      string
	Capability string
	Decision   Decision
	UpdatedAt  time.Time
}

// SourceRef names a remembered capture source by its compositor-stable name.
type SourceRef struct {
	Kind uint32 `json:"kind"`
	Name string `json:"name"`
}

// TokenRecord is a remembered capture configuration, bound to the app
// identity it was minted for. The token string itself is opaque to clients.
type TokenRecord struct {
	Token      string
	AppID      string
	Capability string
	Sources    []SourceRef
	CursorMode uint32
	// OwnerSession is set for transient tokens scoped to a session.
	OwnerSession string
	CreatedAt    time.Time
}
