// Package progress reports how far a long-running task has got.
package progress

import (
	"github.com/rs/zerolog"
)

type BarProgressTracker interface {
	SetMessage(msg string)
	SetTotal(total int64)
	SetDone(n int)
	SetError(err error)
	MarkFinished()
}

type NoopBarProgressTracker struct{}

var _ BarProgressTracker = NoopBarProgressTracker{}

func (n NoopBarProgressTracker) SetMessage(msg string) {}
func (n NoopBarProgressTracker) SetTotal(total int64)  {}
func (n NoopBarProgressTracker) SetDone(n2 int)        {}
func (n NoopBarProgressTracker) SetError(err error)    {}
func (n NoopBarProgressTracker) MarkFinished()         {}

// LogBarProgressTracker logs progress at Info every time another step of
// `every` is done. Errors log at Error.
type LogBarProgressTracker struct {
	log    zerolog.Logger
	every  int
	msg    string
	total  int64
	done   int
	logged int
	failed int
}

var _ BarProgressTracker = (*LogBarProgressTracker)(nil)

func NewLogBarProgressTracker(log zerolog.Logger, every int) *LogBarProgressTracker {
	if every < 1 {
		every = 1
	}
	return &LogBarProgressTracker{log: log, every: every}
}

func (t *LogBarProgressTracker) SetMessage(msg string) {
	t.msg = msg
}

func (t *LogBarProgressTracker) SetTotal(total int64) {
	t.total = total
}

func (t *LogBarProgressTracker) SetDone(n int) {
	t.done = n
	if t.done-t.logged >= t.every {
		t.logged = t.done - t.done%t.every
		t.log.Info().Int("done", t.done).Int64("total", t.total).Msg(t.msg)
	}
}

func (t *LogBarProgressTracker) SetError(err error) {
	t.failed++
	t.log.Error().Err(err).Int("done", t.done).Msg(t.msg)
}

func (t *LogBarProgressTracker) MarkFinished() {
	t.log.Info().Int("done", t.done).Int64("total", t.total).Int("errors", t.failed).Msg(t.msg + " finished")
}

// Errors is the number of errors reported so far.
func (t *LogBarProgressTracker) Errors() int {
	return t.failed
}
