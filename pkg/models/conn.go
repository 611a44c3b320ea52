package models

// ConnPhase is the lifecycle phase of one push-channel connection.
type ConnPhase string

const (
	ConnClosed       ConnPhase = "closed"
	ConnConnecting   ConnPhase = "connecting"
	ConnConnected    ConnPhase = "connected"
	ConnDisconnected ConnPhase = "disconnected"
	ConnReconnecting ConnPhase = "reconnecting"
)

// ConnState is a snapshot of one push-channel connection: where it is in its
// lifecycle, how many dials the current outage has cost, and the ordering
// token of the last event applied through it.
type ConnState struct {
	Phase     ConnPhase `json:"phase"`
	Attempts  int       `json:"attempts"`
	LastToken uint64    `json:"last_token"`
}
