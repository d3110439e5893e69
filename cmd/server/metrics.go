package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"voxelstruct.ai/internal/persistence/indexdb"
	"voxelstruct.ai/internal/persistence/r2s3"
	"voxelstruct.ai/internal/transport/ws"
)

// newMetricsRegistry exposes the runtime counters the components already
// keep. Values are read at scrape time.
func newMetricsRegistry(buildSrv *ws.Server, idx indexdb.Index, sinks []indexdb.Index, mirror *r2s3.Mirror) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	gauge := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, f))
	}
	counter := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, f))
	}

	gauge("voxelstruct_sessions", "Open build sessions.", func() float64 { return float64(buildSrv.Stats().Sessions) })
	gauge("voxelstruct_build_slots", "Concurrent build slots.", func() float64 { return float64(buildSrv.Stats().BuildSlots) })
	gauge("voxelstruct_builds_active", "Builds in progress.", func() float64 { return float64(buildSrv.Stats().BuildsActive) })
	counter("voxelstruct_builds_total", "Documents built and sent.", func() float64 { return float64(buildSrv.Stats().BuiltTotal) })
	counter("voxelstruct_build_errors_total", "BUILD requests answered with an error.", func() float64 { return float64(buildSrv.Stats().FailedTotal) })
	counter("voxelstruct_build_busy_total", "BUILD requests rejected for lack of a free slot.", func() float64 { return float64(buildSrv.Stats().BusyTotal) })
	counter("voxelstruct_build_bytes_total", "Binary frame bytes sent.", func() float64 { return float64(buildSrv.Stats().BytesOutTotal) })
	counter("voxelstruct_build_cache_hits_total", "Builds served from the build cache.", func() float64 { return float64(buildSrv.Stats().CacheHits) })
	counter("voxelstruct_build_cache_misses_total", "Builds not found in the build cache.", func() float64 { return float64(buildSrv.Stats().CacheMisses) })

	switch ix := idx.(type) {
	case *indexdb.SQLiteIndex:
		gauge("voxelstruct_index_queue_depth", "Export index write queue depth.", func() float64 { return float64(ix.Stats().QueueDepth) })
		counter("voxelstruct_index_written_total", "Export rows committed.", func() float64 { return float64(ix.Stats().WrittenTotal) })
		counter("voxelstruct_index_dropped_total", "Export rows dropped on a full queue.", func() float64 { return float64(ix.Stats().DropTotal) })
	case *indexdb.D1Index:
		counter("voxelstruct_index_dropped_total", "Export events dropped on a full queue.", func() float64 { return float64(ix.Dropped()) })
	}

	for _, s := range sinks {
		if n, ok := s.(*indexdb.NATSIndex); ok {
			counter("voxelstruct_nats_published_total", "Export events published to NATS.", func() float64 { return float64(n.Published()) })
			counter("voxelstruct_nats_failed_total", "Export events NATS refused.", func() float64 { return float64(n.Failed()) })
		}
	}

	if mirror != nil {
		gauge("voxelstruct_r2_mirror_queue_depth", "Current R2 mirror queue depth.", func() float64 { return float64(mirror.Stats().QueueDepth) })
		gauge("voxelstruct_r2_mirror_queue_capacity", "R2 mirror queue capacity.", func() float64 { return float64(mirror.Stats().QueueCapacity) })
		counter("voxelstruct_r2_mirror_enqueued_total", "Total mirror enqueue attempts.", func() float64 { return float64(mirror.Stats().EnqueuedTotal) })
		counter("voxelstruct_r2_mirror_dropped_total", "Files dropped because the queue stayed saturated.", func() float64 { return float64(mirror.Stats().DroppedTotal) })
		counter("voxelstruct_r2_mirror_upload_success_total", "Successful mirror uploads.", func() float64 { return float64(mirror.Stats().UploadSuccessTotal) })
		counter("voxelstruct_r2_mirror_upload_fail_total", "Failed mirror uploads after retry.", func() float64 { return float64(mirror.Stats().UploadFailTotal) })
	}
	return reg
}
