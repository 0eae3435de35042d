package caronte

import (
	"bytes"
	"fmt"
	"log"

	"github.com/hupe1980/golog"
)

type logger struct {
	golog.Logger
}

func (l *logger) logf(level golog.Level, format string, args ...interface{}) {
	l.Printf(level, format, args...)
}

func (l *logger) logDebugf(format string, args ...interface{}) {
	l.logf(golog.DEBUG, format, args...)
}

func (l *logger) logInfof(format string, args ...interface{}) {
	l.logf(golog.INFO, format, args...)
}

func (l *logger) logErrorf(format string, args ...interface{}) {
	l.logf(golog.ERROR, format, args...)
}

// serverErrorLog is the ErrorLog of the http.Server behind a listener.
// net/http reports handler panics and accept failures only there, so every
// line is published on the error stream as a transport error.
func (p *Proxy) serverErrorLog(kind ListenerKind) *log.Logger {
	return log.New(&serverLogWriter{p: p, kind: kind}, "", 0)
}

type serverLogWriter struct {
	p    *Proxy
	kind ListenerKind
}

func (w *serverLogWriter) Write(b []byte) (int, error) {
	msg := bytes.TrimRight(b, "\n")
	w.p.emit(&Error{Kind: KindTransport, Err: fmt.Errorf("%s listener: %s", w.kind, msg)})

	return len(b), nil
}
