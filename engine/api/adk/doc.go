// Package adk is the place for a Google Agent Development Kit (ADK) API
// engine for threadrun, which would communicate via HTTP/gRPC APIs rather
// than subprocess stdio. The package declares no types or functions: it
// contains no threadrun.Engine implementation.
package adk
