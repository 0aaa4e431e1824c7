// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package mux

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/protolab/h2mux/hpack"
	"github.com/protolab/h2mux/router"
)

// responseWriter is the handler-facing send side of a stream. Write blocks
// on the stream and connection send windows, which is where a peer that
// stops granting credit suspends the handler.
type responseWriter struct {
	conn *Conn
	st   *stream

	wroteHeaders bool
	closed       bool
}

var _ router.ResponseWriter = (*responseWriter)(nil)

func (w *responseWriter) WriteHeaders(status int, headers []hpack.HeaderField) error {
	if w.wroteHeaders {
		return errors.New("mux: response headers already written")
	}
	fields := make([]hpack.HeaderField, 0, len(headers)+1)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	for _, hf := range headers {
		if hf.Pseudo() {
			return errors.Errorf("mux: pseudo-header %q in response headers", hf.Name)
		}
		fields = append(fields, hf)
	}
	if err := w.conn.writeHeaderBlock(w.st.id, false, fields); err != nil {
		return err
	}
	w.wroteHeaders = true
	return nil
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("mux: write on closed response")
	}
	if !w.wroteHeaders {
		if err := w.WriteHeaders(200, nil); err != nil {
			return 0, err
		}
	}
	total := 0
	for len(p) > 0 {
		want := int32(len(p))
		if max := int32(w.conn.peerMaxFrame.Load()); want > max {
			want = max
		}
		n, err := w.st.sendWin.Reserve(want)
		if err != nil {
			return total, errors.Wrap(err, "stream send window")
		}
		granted, err := w.conn.connSend.Reserve(n)
		if err != nil {
			w.st.sendWin.Refund(n)
			return total, errors.Wrap(err, "connection send window")
		}
		if granted < n {
			w.st.sendWin.Refund(n - granted)
		}
		if err := w.conn.writeData(w.st.id, false, p[:granted]); err != nil {
			return total, err
		}
		p = p[granted:]
		total += int(granted)
	}
	return total, nil
}

// Close ends the response with an empty DATA frame carrying END_STREAM.
// Safe to call more than once; the handler wrapper always calls it.
func (w *responseWriter) Close() error {
	if w.closed {
		return nil
	}
	if !w.wroteHeaders {
		if err := w.WriteHeaders(200, nil); err != nil {
			return err
		}
	}
	w.closed = true
	if w.st.currentState() == stateClosed {
		return nil
	}
	if err := w.conn.writeData(w.st.id, true, nil); err != nil {
		return err
	}
	w.conn.localClosed(w.st)
	return nil
}
