package task

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/sambeau/sage/pkg/script"
)

// Entry is one scheduled script.
type Entry struct {
	Cron   string
	Script string
}

type scheduled struct {
	Entry
	expr *cronexpr.Expression
	next time.Time
}

// Scheduler launches scripts on cron schedules. Each fire launches the
// script with an empty args array.
type Scheduler struct {
	launch  func(path string, args script.Value) error
	entries []*scheduled
	log     io.Writer
	now     func() time.Time
}

// NewScheduler parses every entry's cron expression. Expressions take
// five fields (minute resolution), six (with a trailing year) or seven
// (with leading seconds).
func NewScheduler(l interface {
	Launch(path string, args script.Value) error
}, entries []Entry, log io.Writer) (*Scheduler, error) {
	s := &Scheduler{launch: l.Launch, log: log, now: time.Now}
	for _, e := range entries {
		expr, err := cronexpr.Parse(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule for %s: %w", e.Script, err)
		}
		s.entries = append(s.entries, &scheduled{Entry: e, expr: expr})
	}
	return s, nil
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int { return len(s.entries) }

// Run fires entries as they come due until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	now := s.now()
	for _, e := range s.entries {
		e.next = e.expr.Next(now)
	}

	for {
		due := s.earliest()
		if due.IsZero() {
			return
		}
		t := time.NewTimer(time.Until(due))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		now := s.now()
		for _, e := range s.entries {
			if e.next.IsZero() || e.next.After(now) {
				continue
			}
			if err := s.launch(e.Script, script.Array()); err != nil {
				s.logf("%s (%s): %v", e.Script, e.Cron, err)
			}
			e.next = e.expr.Next(now)
		}
	}
}

// earliest returns the next time any entry is due, or the zero time when
// no entry will fire again.
func (s *Scheduler) earliest() time.Time {
	var due time.Time
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if due.IsZero() || e.next.Before(due) {
			due = e.next
		}
	}
	return due
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.log != nil {
		fmt.Fprintf(s.log, "[TASK] schedule: "+format+"\n", args...)
	}
}
