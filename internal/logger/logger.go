// Package logger builds the worker's structured slog.Logger: a colorized
// text handler on stdout in development, or a lumberjack-rotated file
// handler in production, following the teacher's internal/logger idiom.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the worker's logs go. If StdoutPath/StderrPath
// are empty and Dir is set, files default to Dir/<name>.stdout.log and
// Dir/<name>.stderr.log. Rotation parameters follow lumberjack semantics.
// A zero Config logs to the process's own stdout/stderr.
type Config struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Writers returns io.WriteClosers for stdout and stderr for the given
// worker name. Either may be nil when neither Dir nor an explicit path is
// set for that stream.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = &lj.Logger{
			Filename:   stdout,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	if stderr != "" {
		errW = &lj.Logger{
			Filename:   stderr,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return outW, errW, nil
}

// New builds the worker's slog.Logger. When Config has no Dir and no
// explicit StdoutPath, it logs to w (typically os.Stdout) through the
// colorized text handler; otherwise it rotates to file via lumberjack
// with a plain text handler, since ANSI codes don't belong in log files.
func New(c Config, workerName string, w io.Writer, level slog.Level) (*slog.Logger, io.Closer, error) {
	outW, _, err := c.Writers(workerName)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if outW == nil {
		return slog.New(NewColorTextHandler(w, opts, true)), nil, nil
	}
	return slog.New(slog.NewTextHandler(outW, opts)), outW, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
