// Package metrics records settlement-engine counters and latencies. The
// prometheus recorder is the production implementation; the noop recorder
// keeps hot paths allocation-free when metrics are disabled.
package metrics

import "time"

// Recorder is the metrics contract the engine depends on.
type Recorder interface {
	IncVerification(network, reason string)
	IncSettlement(network, outcome string)
	ObserveLatency(operation, network string, d time.Duration)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func NewNoopRecorder() Recorder { return &NoopRecorder{} }

func (NoopRecorder) IncVerification(string, string)                {}
func (NoopRecorder) IncSettlement(string, string)                  {}
func (NoopRecorder) ObserveLatency(string, string, time.Duration) {}
