// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package monitoring provides cheap process-wide counters exported through
// expvar, used for connection and frame accounting.
package monitoring

import (
	"expvar"
	"strconv"

	"go.uber.org/atomic"
)

// Counter is a goroutine-safe counter. The zero value is ready to use and
// stays private; NewCounter also publishes it via expvar.
type Counter struct {
	i atomic.Int64
}

var _ expvar.Var = (*Counter)(nil)

func (c *Counter) String() string {
	return strconv.FormatInt(c.i.Load(), 10)
}

func (c *Counter) Add(delta int64) {
	c.i.Add(delta)
}

func (c *Counter) Set(value int64) {
	c.i.Store(value)
}

func (c *Counter) Get() int64 {
	return c.i.Load()
}

// NewCounter publishes a counter under name. expvar panics on duplicate
// names, so publish once per process; tests use plain &Counter{} values.
func NewCounter(name string) *Counter {
	v := &Counter{}
	expvar.Publish(name, v)
	return v
}
