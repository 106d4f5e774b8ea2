// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log defines the small leveled-logging interface the loader
// and interpreter accept through their Options structs. Callers that
// don't configure one get Default, which writes to stdout.
package log

import (
	"fmt"
	"io"
	"os"
)

// Logger is the interface xivm's components log through. Any of
// logrus, zap, or zerolog's sugared loggers satisfy a shape like this;
// Helper below is the minimal concrete implementation carried in-tree
// so the module has no forced logging dependency.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Helper is a small Logger writing leveled, prefixed lines to an
// io.Writer.
type Helper struct {
	out   io.Writer
	debug bool
}

// New returns a Helper writing to out. Debug lines are suppressed
// unless debug is true.
func New(out io.Writer, debug bool) *Helper {
	return &Helper{out: out, debug: debug}
}

// Default is the stdout logger used when an Options struct leaves its
// Logger field nil.
var Default Logger = New(os.Stdout, false)

func (h *Helper) Debugf(format string, args ...any) {
	if !h.debug {
		return
	}
	fmt.Fprintf(h.out, "DEBUG: "+format+"\n", args...)
}

func (h *Helper) Warnf(format string, args ...any) {
	fmt.Fprintf(h.out, "WARN: "+format+"\n", args...)
}

func (h *Helper) Errorf(format string, args ...any) {
	fmt.Fprintf(h.out, "ERROR: "+format+"\n", args...)
}

// Nop discards every line; useful in tests that don't want loader
// warnings on stdout.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
