// Package monitor exports lock manager state to Prometheus.
package monitor

import (
	"time"

	prometheus "github.com/prometheus/client_golang/prometheus"

	concurrency "github.com/brown-csci1270/lockmgr/pkg/concurrency"
)

const namespace = "lockd"

// Collector reports a snapshot of the lock table on every scrape.
type Collector struct {
	manager *concurrency.LockManager

	heldDesc         *prometheus.Desc
	maxWaitDesc      *prometheus.Desc
	trackedDesc      *prometheus.Desc
	deadlocksDesc    *prometheus.Desc
	timeoutsDesc     *prometheus.Desc
	terminationsDesc *prometheus.Desc
}

// Construct a collector over m.
func NewCollector(m *concurrency.LockManager) *Collector {
	return &Collector{
		manager: m,
		heldDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "locks", "held"),
			"Number of lock holds by mode and resource type.",
			[]string{"mode", "type"}, nil),
		maxWaitDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "locks", "max_wait_seconds"),
			"Longest current wait on any lock of a resource type.",
			[]string{"type"}, nil),
		trackedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "locks", "tracked"),
			"Number of lock objects in the registry.",
			nil, nil),
		deadlocksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "locks", "deadlocks_total"),
			"Acquisitions refused because waiting would deadlock.",
			nil, nil),
		timeoutsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "locks", "timeouts_total"),
			"Acquisitions that exceeded the acquisition timeout.",
			nil, nil),
		terminationsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "locks", "terminations_total"),
			"Transactions terminated while using locks.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.heldDesc
	ch <- c.maxWaitDesc
	ch <- c.trackedDesc
	ch <- c.deadlocksDesc
	ch <- c.timeoutsDesc
	ch <- c.terminationsDesc
}

type heldKey struct {
	mode concurrency.LockMode
	rt   concurrency.ResourceType
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	held := make(map[heldKey]int)
	maxWait := make(map[concurrency.ResourceType]time.Duration)
	c.manager.Accept(func(mode concurrency.LockMode, rt concurrency.ResourceType, _ concurrency.Token, _ uint64, _ string, wait time.Duration) bool {
		held[heldKey{mode, rt}]++
		if wait > maxWait[rt] {
			maxWait[rt] = wait
		}
		return false
	})
	for k, n := range held {
		ch <- prometheus.MustNewConstMetric(c.heldDesc, prometheus.GaugeValue, float64(n), k.mode.String(), k.rt.String())
	}
	for rt, wait := range maxWait {
		ch <- prometheus.MustNewConstMetric(c.maxWaitDesc, prometheus.GaugeValue, wait.Seconds(), rt.String())
	}
	stats := c.manager.Stats()
	ch <- prometheus.MustNewConstMetric(c.trackedDesc, prometheus.GaugeValue, float64(stats.Locks))
	ch <- prometheus.MustNewConstMetric(c.deadlocksDesc, prometheus.CounterValue, float64(stats.Deadlocks))
	ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.CounterValue, float64(stats.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.terminationsDesc, prometheus.CounterValue, float64(stats.Terminations))
}
