// Package monitoring exports kernel metrics to Prometheus.
//
// Metrics implements kernel.Observer: the frame allocator, the process tree,
// the schedulers and the syscall layer report into it directly. Every
// instance owns its own prometheus.Registry, so tests and multiple kernels in
// one binary never collide on the default registry.
//
// Metric families (all prefixed saltwater_):
//   - frames_free, frames_allocated_total, frames_released_total,
//     frame_exhaustions_total
//   - processes_live, processes_created_total, threads{state},
//     threads_created_total, thread_transitions_total{from,to}
//   - dispatches_total{core,trap}, address_space_switches_total{core},
//     rebalances_total, rebalanced_threads, tlb_shootdowns_total{half}
//   - syscalls_total{selector,code}, syscall_duration_seconds{selector}
//   - boot_phase_seconds{phase}, uptime_seconds
//   - http_requests_total, http_request_duration_seconds,
//     http_response_size_bytes
//
// Example Usage:
//
//	metrics := monitoring.NewMetrics()
//	k := kernel.New(kernel.Config{Observer: metrics})
//	go metrics.Run(ctx, 15*time.Second)
//	router.Use(monitoring.Middleware(metrics))
//	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
package monitoring
