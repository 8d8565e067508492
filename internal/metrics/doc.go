// Package metrics records build agent metrics.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics never require nil checks:
//
//	type Agent struct {
//	    recorder metrics.Recorder
//	}
//
// The daemon swaps in a PrometheusRecorder and serves its registry on
// /metrics through HTTPHandler.
package metrics
