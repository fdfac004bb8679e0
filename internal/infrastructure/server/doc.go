// Package server assembles the daemon: it turns the loaded configuration
// into a kernel instance, boots it from the configured machine manifest,
// runs every core and serves the introspection API next to it.
//
// Lifecycle:
//  1. NewServer builds the metrics, the unbooted kernel and the router
//  2. Boot loads the manifest (or builds one) and boots the kernel
//  3. Run drives the cores, the uptime gauge and the HTTP listener until
//     its context is cancelled, then shuts the listener down gracefully
//
// Responses are gzipped when HTTP.Compress is set and the client accepts
// it; websocket upgrades bypass compression. HTTP.MaxConnections caps
// concurrent connections at the listener.
//
// Example Usage:
//
//	srv, err := server.NewServer(cfg, logger)
//	if err != nil {
//		return err
//	}
//	if err := srv.Boot(ctx); err != nil {
//		return err
//	}
//	return srv.Run(ctx)
package server
