package oauth

// FlowState is a step of the sign-in state machine. A flow only moves
// forward; Failed is reachable from every state.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowMetadataDiscovered
	FlowPARSubmitted
	FlowRedirected
	FlowCallbackReceived
	FlowTokenExchanged
	FlowActive
	FlowFailed
)

var flowStateNames = [...]string{
	FlowIdle:               "IDLE",
	FlowMetadataDiscovered: "METADATA_DISCOVERED",
	FlowPARSubmitted:       "PAR_SUBMITTED",
	FlowRedirected:         "REDIRECTED",
	FlowCallbackReceived:   "CALLBACK_RECEIVED",
	FlowTokenExchanged:     "TOKEN_EXCHANGED",
	FlowActive:             "ACTIVE",
	FlowFailed:             "FAILED",
}

func (s FlowState) String() string {
	if s >= 0 && int(s) < len(flowStateNames) {
		return flowStateNames[s]
	}
	return "UNKNOWN"
}

// next reports whether moving from s to to is a legal transition.
func (s FlowState) next(to FlowState) bool {
	if to == FlowFailed {
		return s != FlowFailed
	}
	return to == s+1 && s < FlowActive
}
