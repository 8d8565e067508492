// Package handlers implements the status feed endpoints: JSON snapshots of
// repositories and builds, build requests and cancellation, and the live
// websocket event stream.
package handlers
