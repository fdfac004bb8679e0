// Package http serves read-mostly introspection of a running kernel over
// HTTP. Snapshots are taken from the kernel's own Stats methods under the
// component locks and encoded with sonic.
//
// Routes:
//
//	GET  /                  service and boot identity
//	GET  /health            200 once booted, 503 before
//	GET  /processes         every live process, depth first
//	GET  /processes/:id     one process by proc_ ID
//	PUT  /processes/:id/priority  grant the process subtree {"priority": n}
//	GET  /frames            frame allocator counters
//	GET  /processors        per-core scheduler counters
//	GET  /servers           kernel and user IPC servers, ?match=<glob>
//	GET  /scheduler         long-term weights and candidate list
//	POST /scheduler/rebalance  redistribute ready threads now
//	GET  /stream            websocket of periodic kernel snapshots
//	GET  /metrics           Prometheus exposition
//	GET  /metrics/json      metric snapshot
//	GET  /log/level         current log level, when a controller is set
//	PUT  /log/level         change it with {"level": "debug"}
package http
