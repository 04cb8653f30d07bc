package relayd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	artifactsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_artifacts_registered_total",
		Help: "Number of artifact bundles registered.",
	})
	artifactsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_artifacts_fetched_total",
		Help: "Number of successful artifact lookups.",
	})
	artifactsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_artifacts_expired_total",
		Help: "Number of lookups that hit an expired artifact.",
	})
	artifactsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_artifacts_swept_total",
		Help: "Number of expired artifacts removed by the retention sweeper.",
	})
)
