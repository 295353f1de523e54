package storage

import (
	"sync/atomic"
	"time"
)

// SinkMetrics are the default counters of a page sink.
type SinkMetrics struct {
	NPageCommitted atomic.Int64
	// SzWritePayload is the number of sealed bytes handed to the backend.
	SzWritePayload atomic.Int64
	// SzZip is the number of packed bytes that went into compression.
	SzZip         atomic.Int64
	TimeWallWrite atomic.Int64
	TimeWallZip   atomic.Int64
}

// Counters returns the counters keyed by prefix + "." + name.
func (m *SinkMetrics) Counters(prefix string) map[string]int64 {
	return prefixed(prefix, map[string]int64{
		"nPageCommitted": m.NPageCommitted.Load(),
		"szWritePayload": m.SzWritePayload.Load(),
		"szZip":          m.SzZip.Load(),
		"timeWallWrite":  m.TimeWallWrite.Load(),
		"timeWallZip":    m.TimeWallZip.Load(),
	})
}

// CompressionRatio returns packed bytes per written byte, or 0 before any write.
func (m *SinkMetrics) CompressionRatio() float64 {
	return ratio(m.SzZip.Load(), m.SzWritePayload.Load())
}

// SourceMetrics are the default counters of a page source.
type SourceMetrics struct {
	NReadV atomic.Int64
	NRead  atomic.Int64
	// SzReadPayload is the number of sealed page bytes read.
	SzReadPayload atomic.Int64
	// SzReadOverhead is the number of bytes read between coalesced pages.
	SzReadOverhead atomic.Int64
	SzUnzip        atomic.Int64
	NClusterLoaded atomic.Int64
	NPageLoaded    atomic.Int64
	NPagePopulated atomic.Int64
	TimeWallRead   atomic.Int64
	TimeWallUnzip  atomic.Int64
}

// Counters returns the counters keyed by prefix + "." + name.
func (m *SourceMetrics) Counters(prefix string) map[string]int64 {
	return prefixed(prefix, map[string]int64{
		"nReadV":         m.NReadV.Load(),
		"nRead":          m.NRead.Load(),
		"szReadPayload":  m.SzReadPayload.Load(),
		"szReadOverhead": m.SzReadOverhead.Load(),
		"szUnzip":        m.SzUnzip.Load(),
		"nClusterLoaded": m.NClusterLoaded.Load(),
		"nPageLoaded":    m.NPageLoaded.Load(),
		"nPagePopulated": m.NPagePopulated.Load(),
		"timeWallRead":   m.TimeWallRead.Load(),
		"timeWallUnzip":  m.TimeWallUnzip.Load(),
	})
}

// CompressionRatio returns unzipped bytes per read byte, or 0 before any read.
func (m *SourceMetrics) CompressionRatio() float64 {
	return ratio(m.SzUnzip.Load(), m.SzReadPayload.Load())
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func prefixed(prefix string, m map[string]int64) map[string]int64 {
	if prefix == "" {
		return m
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[prefix+"."+k] = v
	}
	return out
}

func since(start time.Time) int64 {
	return int64(time.Since(start))
}
