package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_hits",
	Help: "Number of cache reads served from the fast store",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_misses",
	Help: "Number of cache reads that missed",
})

var cacheLoads = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_loads",
	Help: "Number of loader executions against the backing store",
})

var cacheLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_load_errors",
	Help: "Number of loader executions that returned an error",
})

var cacheCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_requests_coalesced",
	Help: "Number of cache loads coalesced onto another caller's load",
})

var cacheDegradedLoads = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_degraded_loads",
	Help: "Number of loads run directly after losing or timing out on the loader lock",
})

var cacheFailOpens = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_fail_opens",
	Help: "Number of cache operations degraded due to fast store errors",
})

var cacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ballast_cache_write_failures",
	Help: "Number of cache writes that failed",
})

var cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ballast_cache_invalidations",
	Help: "Number of cache invalidations",
}, []string{"kind"})
