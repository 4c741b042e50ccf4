package lsm

import (
	"log"
	"os"
)

// Logger is the engine's diagnostic sink: flush/compaction failures and
// startup notices go through here rather than straight to stderr, so a
// caller embedding this package can redirect or silence them.
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger is the default Logger, backed by the standard library's
// log.Logger the way the reference engine defaults to stderr logging
// when the caller supplies nothing.
type stdLogger struct {
	l *log.Logger
}

func NewStdLogger() Logger {
	return &stdLogger{l: log.New(os.Stderr, "lsmdb: ", log.LstdFlags)}
}

func (s *stdLogger) Infof(format string, args ...any)  { s.l.Printf("INFO "+format, args...) }
func (s *stdLogger) Errorf(format string, args ...any) { s.l.Printf("ERROR "+format, args...) }

// nopLogger discards everything. Nothing in the package installs it;
// the DB always uses NewStdLogger.
type nopLogger struct{}

func (nopLogger) Infof(format string, args ...any)  {}
func (nopLogger) Errorf(format string, args ...any) {}
