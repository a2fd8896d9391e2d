// Package api implements the bridge's optional status server.
//
// This package provides:
//   - REST endpoints for the running capture session, the active register
//     map and the capture history recorded in SQLite
//   - A WebSocket hub broadcasting register values as they are confirmed
//     and the session outcome when it finishes
//   - The Prometheus scrape endpoint
//   - Middleware stack (request ID, logging, recovery)
//
// # Architecture
//
// The server only reads. It never touches the capture pipeline other than
// through the hooks the bridge exposes, so a slow HTTP client cannot delay
// frame processing: broadcasts are dropped for clients whose send buffer
// is full.
//
// The server is meant for a trusted local network and carries no
// authentication; bind it to loopback unless the network is trusted.
package api
