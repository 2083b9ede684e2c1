// Package recurrence parses campaign recurrence rules and computes run times.
//
// A rule is a semicolon-separated list of key=value pairs, e.g.
//
//	freq=daily
//	freq=hourly;interval=6
//	freq=weekly;interval=2;count=10
//	freq=monthly;until=2027-01-01
//
// freq is required (hourly, daily, weekly, monthly). interval defaults to 1.
// count and until bound how long the rule keeps producing occurrences; a rule
// with neither repeats forever.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Freq string

const (
	Hourly  Freq = "hourly"
	Daily   Freq = "daily"
	Weekly  Freq = "weekly"
	Monthly Freq = "monthly"
)

var ErrInvalidRule = errors.New("invalid recurrence rule")

type Rule struct {
	Freq     Freq
	Interval int
	MaxRuns  int        // 0 = unbounded
	Until    *time.Time // nil = unbounded
}

func Parse(s string) (Rule, error) {
	r := Rule{Interval: 1}
	if strings.TrimSpace(s) == "" {
		return Rule{}, fmt.Errorf("%w: empty", ErrInvalidRule)
	}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, part)
		}
		switch k {
		case "freq":
			switch Freq(v) {
			case Hourly, Daily, Weekly, Monthly:
				r.Freq = Freq(v)
			default:
				return Rule{}, fmt.Errorf("%w: freq %q", ErrInvalidRule, v)
			}
		case "interval":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("%w: interval %q", ErrInvalidRule, v)
			}
			r.Interval = n
		case "count":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("%w: count %q", ErrInvalidRule, v)
			}
			r.MaxRuns = n
		case "until":
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				t, err = time.Parse(time.RFC3339, v)
			}
			if err != nil {
				return Rule{}, fmt.Errorf("%w: until %q", ErrInvalidRule, v)
			}
			r.Until = &t
		default:
			return Rule{}, fmt.Errorf("%w: unknown key %q", ErrInvalidRule, k)
		}
	}
	if r.Freq == "" {
		return Rule{}, fmt.Errorf("%w: freq is required", ErrInvalidRule)
	}
	return r, nil
}

func (r Rule) String() string {
	parts := []string{"freq=" + string(r.Freq)}
	if r.Interval > 1 {
		parts = append(parts, "interval="+strconv.Itoa(r.Interval))
	}
	if r.MaxRuns > 0 {
		parts = append(parts, "count="+strconv.Itoa(r.MaxRuns))
	}
	if r.Until != nil {
		parts = append(parts, "until="+r.Until.Format(time.RFC3339))
	}
	return strings.Join(parts, ";")
}

// Next returns the occurrence following from.
func (r Rule) Next(from time.Time) time.Time {
	switch r.Freq {
	case Hourly:
		return from.Add(time.Duration(r.Interval) * time.Hour)
	case Daily:
		return from.AddDate(0, 0, r.Interval)
	case Weekly:
		return from.AddDate(0, 0, 7*r.Interval)
	case Monthly:
		return from.AddDate(0, r.Interval, 0)
	}
	return from
}

// Exhausted reports whether no further run should be spawned, given how many
// runs have already happened and when the next one would fire.
func (r Rule) Exhausted(runsSoFar int, next time.Time) bool {
	if r.MaxRuns > 0 && runsSoFar >= r.MaxRuns {
		return true
	}
	if r.Until != nil && next.After(*r.Until) {
		return true
	}
	return false
}
