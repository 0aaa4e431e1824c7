// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package mux

import "github.com/protolab/h2mux/lib/monitoring"

// Metrics aggregates connection-level counters. One instance is shared by
// every connection of a Server.
type Metrics struct {
	ConnsAccepted  *monitoring.Counter
	StreamsOpened  *monitoring.Counter
	StreamsRefused *monitoring.Counter
	StreamsReset   *monitoring.Counter
	FramesRead     *monitoring.Counter
	FramesWritten  *monitoring.Counter
}

// NewMetrics publishes counters via expvar under the given prefix. Call once
// per process; expvar panics on duplicate names.
func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		ConnsAccepted:  monitoring.NewCounter(prefix + "_ConnsAccepted"),
		StreamsOpened:  monitoring.NewCounter(prefix + "_StreamsOpened"),
		StreamsRefused: monitoring.NewCounter(prefix + "_StreamsRefused"),
		StreamsReset:   monitoring.NewCounter(prefix + "_StreamsReset"),
		FramesRead:     monitoring.NewCounter(prefix + "_FramesRead"),
		FramesWritten:  monitoring.NewCounter(prefix + "_FramesWritten"),
	}
}

// newUnpublishedMetrics returns counters not registered with expvar, for
// servers created without explicit metrics and for tests.
func newUnpublishedMetrics() *Metrics {
	return &Metrics{
		ConnsAccepted:  &monitoring.Counter{},
		StreamsOpened:  &monitoring.Counter{},
		StreamsRefused: &monitoring.Counter{},
		StreamsReset:   &monitoring.Counter{},
		FramesRead:     &monitoring.Counter{},
		FramesWritten:  &monitoring.Counter{},
	}
}
