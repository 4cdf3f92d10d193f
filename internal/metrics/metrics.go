// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "happysrt",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "happysrt",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	ThreadMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "happysrt",
		Name:      "thread_mutations_total",
		Help:      "Thread and draft mutations by operation.",
	}, []string{"op"})

	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "happysrt",
		Name:      "limit_rejections_total",
		Help:      "Requests rejected by plan limits.",
	}, []string{"limit"})

	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "happysrt",
		Name:      "uploaded_bytes_total",
		Help:      "Bytes written to object storage for draft audio.",
	})

	SweptObjects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "happysrt",
		Name:      "ledger_swept_objects_total",
		Help:      "Pending media reservations expired by the sweeper.",
	})
)
