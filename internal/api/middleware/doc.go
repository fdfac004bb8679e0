// Package middleware holds the gin middleware of the introspection server:
// per-client rate limiting over golang.org/x/time/rate and CORS.
package middleware
