// Package config loads the daemon configuration from the environment.
//
// Every variable carries the SALTWATER_ prefix followed by its section:
//
//	SALTWATER_PLATFORM_MANIFEST       machine manifest (yaml, toml or json)
//	SALTWATER_PLATFORM_PROCESSORS     cores of the built-in manifest
//	SALTWATER_PLATFORM_MEMORY_MIB     memory of the built-in manifest
//	SALTWATER_KERNEL_PROCESSORS       overrides the manifest's core count
//	SALTWATER_KERNEL_STACK_PAGES      pages per kernel stack
//	SALTWATER_KERNEL_BASE_WEIGHT      scheduling weight of a priority 0 thread
//	SALTWATER_KERNEL_MAX_BOOST        cap on the priority added to it
//	SALTWATER_KERNEL_REBALANCE_INTERVAL, SALTWATER_KERNEL_REBALANCE_BURST
//	SALTWATER_KERNEL_IDLE_INTERVAL
//	SALTWATER_HTTP_ADDR, SALTWATER_HTTP_ENABLED, SALTWATER_HTTP_SHUTDOWN_TIMEOUT
//	SALTWATER_HTTP_MAX_CONNECTIONS    0 leaves connections unbounded
//	SALTWATER_HTTP_COMPRESS           gzip responses for clients that accept it
//	SALTWATER_LOG_LEVEL, SALTWATER_LOG_DEV
//	SALTWATER_RATE_LIMIT_RPS, SALTWATER_RATE_LIMIT_BURST, SALTWATER_RATE_LIMIT_ENABLED
//
// Durations use time.ParseDuration syntax. Command line flags in cmd/saltwater
// override what is loaded here.
package config
