// Command saltwaterctl inspects a running saltwater daemon.
//
// Usage:
//
//	saltwaterctl [-addr URL] [-timeout D] [-retries N] <command> [args]
//
// Commands:
//
//	info                 service, version and boot ID
//	health               exit 0 once the kernel is booted
//	wait [timeout]       poll health until booted (default 30s)
//	processes [id]       every live process, or one
//	frames               frame allocator counters
//	processors           per-core scheduler counters and imbalance
//	servers [glob]       IPC servers, optionally filtered by name
//	scheduler            long-term weights and candidates
//	rebalance            redistribute ready threads now
//	priority <id> <n>    grant a process subtree a scheduler priority
//	loglevel [level]     show or change the daemon's log level
//	watch [interval]     stream snapshots until interrupted
//
// The daemon address defaults to SALTWATER_ADDR or http://127.0.0.1:7070.
// Output is JSON.
package main
