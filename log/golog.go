// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import (
	"fmt"
	"io"
	golog "log"
	"sync/atomic"
)

var golevel atomic.Int32

func init() {
	golevel.Store(int32(Info))
}

// SetOutput sets the output destination for the Go standard logger.
func SetOutput(w io.Writer) {
	golog.SetOutput(w)
}

// SetFlags sets the output flags for the Go standard logger.
func SetFlags(flag int) {
	golog.SetFlags(flag)
}

// SetLevel sets the log level for the Go standard logger.
func SetLevel(level Level) {
	golevel.Store(int32(level))
}

// ParseLevel parses a level name as printed by Level.String.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "off":
		return Off, nil
	case "error":
		return Error, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return Off, fmt.Errorf("invalid log level %q", s)
}

type gologOutputter struct{}

func (gologOutputter) Level() Level { return Level(golevel.Load()) }

func (gologOutputter) Output(calldepth int, level Level, s string) error {
	if Level(golevel.Load()) < level {
		return nil
	}
	return golog.Output(calldepth+1, "["+level.String()+"] "+s)
}
