package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var admissionsAllowed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_ratelimit_allowed",
	Help: "Number of admission checks that were allowed",
})

var admissionsDenied = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_ratelimit_denied",
	Help: "Number of admission checks that were denied",
})

var admissionsDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ballast_ratelimit_degraded",
	Help: "Number of admission checks decided without the fast store, by fail mode",
}, []string{"mode"})
