// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package router provides the routing table the connection multiplexer
// consults: an explicit structure built at startup, matched synchronously
// per request.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/protolab/h2mux/hpack"
)

// Request is an assembled inbound exchange: pseudo-headers split out from
// regular fields, plus the body and trailer streams.
type Request struct {
	Method    string
	Path      string
	Scheme    string
	Authority string
	Headers   []hpack.HeaderField

	// Body yields the request payload; Read returns io.EOF after END_STREAM.
	Body BodyReader

	ctx context.Context
}

// Context returns the request's context. It is canceled when the stream is
// reset by the peer or the connection shuts down; handlers doing work beyond
// the body and response writer should watch it.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context set to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

// BodyReader is the inbound payload stream. Trailers is valid after Read
// has returned io.EOF.
type BodyReader interface {
	Read(p []byte) (int, error)
	Trailers() []hpack.HeaderField
}

// ResponseWriter emits the response for one stream. WriteHeaders must be
// called exactly once before Write; Close ends the stream.
type ResponseWriter interface {
	WriteHeaders(status int, headers []hpack.HeaderField) error
	Write(p []byte) (int, error)
	Close() error
}

// Handler serves one stream. It runs on its own goroutine; slow handlers
// never stall frame dispatch for other streams.
type Handler interface {
	Serve(w ResponseWriter, req *Request)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w ResponseWriter, req *Request)

func (f HandlerFunc) Serve(w ResponseWriter, req *Request) { f(w, req) }

type route struct {
	method  string
	pattern string
	prefix  bool
	handler Handler
}

// Table maps method+path to a handler. Patterns ending in "/" match by
// prefix, longest pattern first; everything else matches exactly. Add is
// meant for startup; Match is safe for concurrent use afterwards.
type Table struct {
	mu     sync.RWMutex
	routes []route
}

func NewTable() *Table { return &Table{} }

// Add registers a handler. Method is uppercased; pattern must begin with "/".
func (t *Table) Add(method, pattern string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, route{
		method:  strings.ToUpper(method),
		pattern: pattern,
		prefix:  strings.HasSuffix(pattern, "/"),
		handler: h,
	})
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].pattern) > len(t.routes[j].pattern)
	})
}

// AddFunc registers a plain function.
func (t *Table) AddFunc(method, pattern string, f HandlerFunc) { t.Add(method, pattern, f) }

// Match returns the handler for method+path. pathKnown distinguishes
// "no such path" (404) from "path exists, method does not" (405).
func (t *Table) Match(method, path string) (h Handler, pathKnown bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.pattern != path && !(r.prefix && strings.HasPrefix(path, r.pattern)) {
			continue
		}
		pathKnown = true
		if r.method == method {
			return r.handler, true
		}
	}
	return nil, pathKnown
}
