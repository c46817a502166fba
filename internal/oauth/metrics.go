package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var flowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skytry_oauth_flow_transitions",
	Help: "Sign-in state machine transitions, by destination state",
}, []string{"state"})

var nonceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skytry_oauth_nonce_retries",
	Help: "Requests retried after a DPoP nonce challenge",
}, []string{"kind"})

var refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skytry_oauth_refreshes",
	Help: "Token refresh attempts, by result",
}, []string{"result"})
