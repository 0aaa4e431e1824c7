// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package mux implements the server side of HTTP/2 framing: connection
// multiplexing, stream lifecycle, flow control and header compression wired
// together over a raw transport.
package mux

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/protolab/h2mux/config"
	"github.com/protolab/h2mux/frame"
	"github.com/protolab/h2mux/router"
)

// Server accepts transports and serves each as an HTTP/2 connection.
type Server struct {
	log     *zap.Logger
	cfg     Config
	routes  *router.Table
	metrics *Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer validates cfg and returns a server routing streams through
// routes. Pass nil metrics to keep counters off expvar.
func NewServer(log *zap.Logger, cfg Config, routes *router.Table, m *Metrics) (*Server, error) {
	cfg = cfg.normalized()
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "mux: invalid config")
	}
	if m == nil {
		m = newUnpublishedMetrics()
	}
	return &Server{
		log:     log,
		cfg:     cfg,
		routes:  routes,
		metrics: m,
		conns:   make(map[*Conn]struct{}),
	}, nil
}

// Serve accepts connections until ln is closed or ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("mux: server closed")
	}
	s.listener = ln
	s.mu.Unlock()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Transient accept failure, back off and retry.
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				s.log.Warn("Accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "mux: accept")
		}
		delay = 0
		log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.serveTransport(ctx, log, conn); err != nil {
				log.Debug("Connection ended with error", zap.Error(err))
			}
		}()
	}
}

// ServeConn serves a single transport synchronously, returning when the
// connection is done. It accepts any ReadWriteCloser, so tests can drive a
// server over net.Pipe.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	s.wg.Add(1)
	defer s.wg.Done()
	return s.serveTransport(ctx, s.log, rw)
}

func (s *Server) serveTransport(ctx context.Context, log *zap.Logger, rw io.ReadWriteCloser) error {
	c := newConn(s.cfg, log, s.routes, s.metrics, rw)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = rw.Close()
		return errors.New("mux: server closed")
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnsAccepted.Add(1)

	err := c.serve(ctx)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	return err
}

// Shutdown closes the listener, announces GOAWAY on every connection and
// waits for in-flight streams to finish. When ctx expires first, remaining
// connections are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs *multierror.Error
	if ln != nil {
		if err := ln.Close(); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "close listener"))
		}
	}
	for _, c := range conns {
		c.goAwayGraceful()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierror.Append(errs, errors.Wrap(ctx.Err(), "graceful shutdown"))
		s.mu.Lock()
		for c := range s.conns {
			c.fatal(frame.ConnError{Code: frame.ErrCodeNo, Reason: "server shutting down"})
		}
		s.mu.Unlock()
		<-done
	}
	return errs.ErrorOrNil()
}
