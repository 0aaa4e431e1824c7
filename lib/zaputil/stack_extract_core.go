// Copyright (c) 2026 Protolab team. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package zaputil carries zap helpers shared by the server binaries.
package zaputil

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// NewStackExtractCore returns a core that pulls stacktraces out of error
// fields carrying github.com/pkg/errors values and appends them to
// zapcore.Entry.Stack on Write, so they stay readable under the console
// encoder. It never calls Check on the nested core, which breaks sampling
// and other entry-choosing logic of complex cores; use it over plain
// io/tee cores only.
func NewStackExtractCore(c zapcore.Core) zapcore.Core {
	return &errStackExtractCore{c, getBuffer()}
}

type errStackExtractCore struct {
	zapcore.Core
	stacksBuff zapBuffer
}

type stackedErr interface {
	error
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

func (c *errStackExtractCore) With(fields []zapcore.Field) zapcore.Core {
	buff := c.cloneBuffer()
	fields = extractFieldsStacksToBuff(buff, fields)
	return &errStackExtractCore{
		c.Core.With(fields),
		buff,
	}
}

func (c *errStackExtractCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if c.stacksBuff.Len() == 0 && !hasStacksToExtract(fields) {
		return c.Core.Write(ent, fields)
	}
	buff := c.cloneBuffer()
	defer buff.Free()
	fields = extractFieldsStacksToBuff(buff, fields)

	if ent.Stack == "" {
		ent.Stack = buff.String()
	} else {
		// Rare case, allocation is fine.
		ent.Stack = ent.Stack + "\n" + buff.String()
	}
	return c.Core.Write(ent, fields)
}

func (c *errStackExtractCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *errStackExtractCore) cloneBuffer() zapBuffer {
	clone := getBuffer()
	_, _ = clone.Write(c.stacksBuff.Bytes())
	return clone
}

func hasStacksToExtract(fields []zapcore.Field) bool {
	for _, field := range fields {
		if field.Type != zapcore.ErrorType {
			continue
		}
		_, ok := field.Interface.(stackedErr)
		if ok {
			return true
		}
	}
	return false
}

func extractFieldsStacksToBuff(buff zapBuffer, fields []zapcore.Field) []zapcore.Field {
	var stacksFound bool
	for i, field := range fields {
		if field.Type != zapcore.ErrorType {
			continue
		}
		stacked, ok := field.Interface.(stackedErr)
		if !ok {
			continue
		}
		if !stacksFound {
			stacksFound = true
			oldFields := fields
			fields = make([]zapcore.Field, len(fields))
			copy(fields, oldFields)
		}
		if cause, ok := stacked.(causer); ok {
			field.Interface = cause.Cause()
		} else {
			field = zap.String(field.Key, stacked.Error())
		}
		fields[i] = field
		appendStack(buff, field.Key, stacked.StackTrace())
	}
	return fields // Cloned in case of modifications.
}

func appendStack(buff zapBuffer, key string, stack errors.StackTrace) {
	if buff.Len() != 0 {
		buff.AppendByte('\n')
	}
	buff.AppendString(key)
	buff.AppendString(" stacktrace:")
	stack.Format(zapBufferFmtState{buff}, 'v')
}

type zapBuffer struct{ *buffer.Buffer }

var _ ioStringWriter = zapBuffer{}

type ioStringWriter interface {
	WriteString(s string) (n int, err error)
}

func (b zapBuffer) WriteString(s string) (n int, err error) {
	b.AppendString(s)
	return len(s), nil
}

var bufferPool = buffer.NewPool()

func getBuffer() zapBuffer {
	return zapBuffer{bufferPool.Get()}
}

type zapBufferFmtState struct{ zapBuffer }

var _ fmt.State = zapBufferFmtState{}

func (zapBufferFmtState) Flag(c int) bool {
	switch c {
	case '+':
		return true
	default:
		return false
	}
}

func (zapBufferFmtState) Width() (wid int, ok bool)      { panic("should not be called") }
func (zapBufferFmtState) Precision() (prec int, ok bool) { panic("should not be called") }
