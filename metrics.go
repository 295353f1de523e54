package ntuple

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/ntuple/storage"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    clusterBytes prometheus.Counter
//	    attachTime   prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordCommitCluster(nEntries, nBytes uint64, err error) {
//	    p.clusterBytes.Add(float64(nBytes))
//	}
//
// The counters of a single sink or source are available without a collector
// through Sink.Metrics and Source.Metrics.
type MetricsCollector interface {
	// RecordCommitCluster is called after each cluster commit.
	// nEntries is the entry count of the cluster.
	RecordCommitCluster(nEntries, nBytes uint64, err error)

	// RecordCommitDataset is called after the dataset commit.
	RecordCommitDataset(nEntries uint64, nClusters int, err error)

	// RecordAttach is called after each source attach.
	RecordAttach(duration time.Duration, err error)

	// RecordLoadClusters is called after each batch of clusters is read.
	RecordLoadClusters(nClusters int, nBytes uint64, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCommitCluster(uint64, uint64, error) {}
func (NoopMetricsCollector) RecordCommitDataset(uint64, int, error)    {}
func (NoopMetricsCollector) RecordAttach(time.Duration, error)         {}
func (NoopMetricsCollector) RecordLoadClusters(int, uint64, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ClusterCommits      atomic.Int64
	ClusterCommitErrors atomic.Int64
	ClusterBytes        atomic.Int64
	DatasetCommits      atomic.Int64
	DatasetCommitErrors atomic.Int64
	Attaches            atomic.Int64
	AttachErrors        atomic.Int64
	AttachTotalNanos    atomic.Int64
	ClusterLoads        atomic.Int64
	ClusterLoadErrors   atomic.Int64
	ClustersLoaded      atomic.Int64
	BytesLoaded         atomic.Int64
}

// RecordCommitCluster implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommitCluster(_ uint64, nBytes uint64, err error) {
	b.ClusterCommits.Add(1)
	if err != nil {
		b.ClusterCommitErrors.Add(1)
		return
	}
	b.ClusterBytes.Add(int64(nBytes))
}

// RecordCommitDataset implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommitDataset(_ uint64, _ int, err error) {
	b.DatasetCommits.Add(1)
	if err != nil {
		b.DatasetCommitErrors.Add(1)
	}
}

// RecordAttach implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAttach(duration time.Duration, err error) {
	b.Attaches.Add(1)
	b.AttachTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AttachErrors.Add(1)
	}
}

// RecordLoadClusters implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoadClusters(nClusters int, nBytes uint64, err error) {
	b.ClusterLoads.Add(1)
	if err != nil {
		b.ClusterLoadErrors.Add(1)
		return
	}
	b.ClustersLoaded.Add(int64(nClusters))
	b.BytesLoaded.Add(int64(nBytes))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ClusterCommits:      b.ClusterCommits.Load(),
		ClusterCommitErrors: b.ClusterCommitErrors.Load(),
		ClusterBytes:        b.ClusterBytes.Load(),
		DatasetCommits:      b.DatasetCommits.Load(),
		DatasetCommitErrors: b.DatasetCommitErrors.Load(),
		Attaches:            b.Attaches.Load(),
		AttachErrors:        b.AttachErrors.Load(),
		AttachAvgNanos:      b.getAvgAttachNanos(),
		ClusterLoads:        b.ClusterLoads.Load(),
		ClusterLoadErrors:   b.ClusterLoadErrors.Load(),
		ClustersLoaded:      b.ClustersLoaded.Load(),
		BytesLoaded:         b.BytesLoaded.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgAttachNanos() int64 {
	count := b.Attaches.Load()
	if count == 0 {
		return 0
	}
	return b.AttachTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ClusterCommits      int64
	ClusterCommitErrors int64
	ClusterBytes        int64
	DatasetCommits      int64
	DatasetCommitErrors int64
	Attaches            int64
	AttachErrors        int64
	AttachAvgNanos      int64
	ClusterLoads        int64
	ClusterLoadErrors   int64
	ClustersLoaded      int64
	BytesLoaded         int64
}

// observer forwards storage events to the collector.
type observer struct {
	metrics MetricsCollector
}

var _ storage.Observer = observer{}

func (o observer) CommitCluster(nEntries, nBytes uint64, err error) {
	o.metrics.RecordCommitCluster(nEntries, nBytes, err)
}

func (o observer) CommitDataset(nEntries uint64, nClusters int, err error) {
	o.metrics.RecordCommitDataset(nEntries, nClusters, err)
}

func (o observer) LoadClusters(nClusters int, nBytes uint64, err error) {
	o.metrics.RecordLoadClusters(nClusters, nBytes, err)
}
