// Package nlog is a small leveled logger used throughout distfs in place of
// fmt.Println or the bare standard log package.
/*
 * Adapted from the aistore cmn/nlog package's call-site conventions.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
	lvl Level      = LevelInfo
)

// SetOutput redirects all log output; nil resets to os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

// SetLevel controls the minimum level written; messages above it are discarded.
func SetLevel(l Level) {
	mu.Lock()
	lvl = l
	mu.Unlock()
}

func write(l Level, tag, s string) {
	mu.Lock()
	defer mu.Unlock()
	if l > lvl {
		return
	}
	ts := time.Now().Format("15:04:05.000000")
	fmt.Fprintf(out, "%s %s %s\n", ts, tag, s)
}

func Infof(format string, a ...any)    { write(LevelInfo, "I", fmt.Sprintf(format, a...)) }
func Infoln(a ...any)                  { write(LevelInfo, "I", fmt.Sprintln(a...)) }
func Warningf(format string, a ...any) { write(LevelWarning, "W", fmt.Sprintf(format, a...)) }
func Warningln(a ...any)               { write(LevelWarning, "W", fmt.Sprintln(a...)) }
func Errorf(format string, a ...any)   { write(LevelError, "E", fmt.Sprintf(format, a...)) }
func Errorln(a ...any)                 { write(LevelError, "E", fmt.Sprintln(a...)) }
