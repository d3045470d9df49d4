package monitor

import (
	"time"

	prometheus "github.com/prometheus/client_golang/prometheus"

	concurrency "github.com/brown-csci1270/lockmgr/pkg/concurrency"
)

// WaitTracer observes how long acquisitions block, by mode and resource type.
type WaitTracer struct {
	waits *prometheus.HistogramVec
}

// Construct a tracer and register its histogram with reg.
func NewWaitTracer(reg prometheus.Registerer) (*WaitTracer, error) {
	waits := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "locks",
			Name:      "wait_duration_seconds",
			Help:      "Time acquisitions spent blocked on a lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"mode", "type"})
	if err := reg.Register(waits); err != nil {
		return nil, err
	}
	return &WaitTracer{waits: waits}, nil
}

type waitEvent struct {
	observer prometheus.Observer
	start    time.Time
}

func (e *waitEvent) Close() {
	e.observer.Observe(time.Since(e.start).Seconds())
}

// WaitForLock implements concurrency.Tracer.
func (t *WaitTracer) WaitForLock(exclusive bool, rt concurrency.ResourceType, id uint64) concurrency.WaitEvent {
	mode := concurrency.Shared
	if exclusive {
		mode = concurrency.Exclusive
	}
	return &waitEvent{
		observer: t.waits.WithLabelValues(mode.String(), rt.String()),
		start:    time.Now(),
	}
}
