package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Grid computes tick times from a cron expression in a fixed location.
type Grid struct {
	spec  string
	sched cron.Schedule
	loc   *time.Location
}

var gridParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewGrid(spec string, loc *time.Location) (*Grid, error) {
	if loc == nil {
		loc = time.Local
	}
	sched, err := gridParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("parse grid %q: %w", spec, err)
	}
	return &Grid{spec: spec, sched: sched, loc: loc}, nil
}

// LoadLocation resolves an IANA name; "" is Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func (g *Grid) Location() *time.Location { return g.loc }

// Next returns the first grid line strictly after t.
func (g *Grid) Next(t time.Time) time.Time {
	return g.sched.Next(t.In(g.loc))
}

// AtOrAfter returns the first grid line at or after t.
func (g *Grid) AtOrAfter(t time.Time) time.Time {
	return g.sched.Next(t.In(g.loc).Add(-time.Nanosecond))
}

// Preview lists the next n grid lines after t, for logs.
func (g *Grid) Preview(t time.Time, n int) string {
	var b strings.Builder
	for i := range n {
		t = g.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
