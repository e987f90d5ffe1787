// Package logging provides leveled, colorized output for the agent, in the
// style of the teacher's printer package: a small writer wrapper plus
// package-level singletons so call sites don't have to thread a logger
// through every function signature.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/logrusorgru/aurora"
)

// Level controls which messages are emitted. Higher levels are more verbose.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

var (
	Stderr = New(os.Stderr)
	Stdout = New(os.Stdout)

	levelMu      sync.Mutex
	currentLevel = LevelInfo
	color        = aurora.NewAurora(true)
)

// SetLevel adjusts the global verbosity threshold. Safe for concurrent use.
func SetLevel(l Level) {
	levelMu.Lock()
	defer levelMu.Unlock()
	currentLevel = l
}

func getLevel() Level {
	levelMu.Lock()
	defer levelMu.Unlock()
	return currentLevel
}

// SetColorEnabled toggles ANSI colorization, e.g. when stdout isn't a tty.
func SetColorEnabled(enabled bool) {
	color = aurora.NewAurora(enabled)
}

// P is a leveled writer, analogous to printer.P.
type P struct {
	w  io.Writer
	mu sync.Mutex
}

func New(w io.Writer) *P {
	return &P{w: w}
}

func (p *P) write(prefix string, c aurora.Color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s %s", ts, color.Colorize(prefix, c), msg)
}

func (p *P) Errorf(format string, args ...interface{}) {
	p.write("ERROR", aurora.RedFg, format, args...)
}

func (p *P) Warningf(format string, args ...interface{}) {
	if getLevel() < LevelWarning {
		return
	}
	p.write("WARN ", aurora.YellowFg, format, args...)
}

func (p *P) Infof(format string, args ...interface{}) {
	if getLevel() < LevelInfo {
		return
	}
	p.write("INFO ", aurora.CyanFg, format, args...)
}

func (p *P) Debugf(format string, args ...interface{}) {
	if getLevel() < LevelDebug {
		return
	}
	p.write("DEBUG", aurora.GrayFg, format, args...)
}

// V returns a verbosity-gated logger usable as `V(6).Debugf(...)`, matching
// the teacher's printer.V convention for fine-grained tracing in the
// packet-handling hot path.
func (p *P) V(level int) *P {
	if int(getLevel())-int(LevelDebug) >= level {
		return p
	}
	return &P{w: io.Discard}
}

func Errorf(format string, args ...interface{})   { Stderr.Errorf(format, args...) }
func Warningf(format string, args ...interface{}) { Stderr.Warningf(format, args...) }
func Infof(format string, args ...interface{})    { Stderr.Infof(format, args...) }
func Debugf(format string, args ...interface{})   { Stderr.Debugf(format, args...) }
func V(level int) *P                              { return Stderr.V(level) }
