// Package schedule computes expected wake hours and next wake instants
// from the restricted cron subset the devices are provisioned with
// ("minute hour * * *"). Only the hour field drives bucketing; full
// expressions are validated with the cron parser before use.
package schedule

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultExpression is the wake schedule assumed when a device and its
// site carry none that parses: one wake at 08:00.
const DefaultExpression = "0 8 * * *"

type Engine struct {
	defaultExpr   string
	fallbackHours int
}

// New builds an engine. An unparseable defaultExpr falls back to
// DefaultExpression; fallbackHours is the horizon used when no schedule
// exists at all and must be positive.
func New(defaultExpr string, fallbackHours int) *Engine {
	if defaultExpr == "" {
		defaultExpr = DefaultExpression
	}
	if _, err := cron.ParseStandard(defaultExpr); err != nil {
		defaultExpr = DefaultExpression
	}
	if fallbackHours <= 0 {
		fallbackHours = 4
	}
	return &Engine{defaultExpr: defaultExpr, fallbackHours: fallbackHours}
}

// Buckets returns the ordered expected wake hours for one day. Supported
// hour fields: single hour, comma list, */N interval, wildcard. Anything
// unparseable (including an empty expression) yields the 08:00 default.
// Hours are date-independent for the supported subset.
func (e *Engine) Buckets(expr string) []int {
	hours, ok := parseHourField(expr)
	if !ok || len(hours) == 0 {
		hours, _ = parseHourField(e.defaultExpr)
		if len(hours) == 0 {
			hours = []int{8}
		}
	}
	return hours
}

// Infer assigns a capture instant to the nearest bucket by circular hour
// distance. The returned index is the 1-based position in buckets;
// overage is true when the nearest bucket is more than one hour away.
// Overage captures are classified, never rejected.
func (e *Engine) Infer(capturedAt time.Time, loc *time.Location, buckets []int) (int, bool) {
	if len(buckets) == 0 {
		return 1, true
	}
	if loc == nil {
		loc = time.UTC
	}
	hour := capturedAt.In(loc).Hour()
	bestIdx := 0
	bestDist := 25
	for i, b := range buckets {
		d := hour - b
		if d < 0 {
			d = -d
		}
		if 24-d < d {
			d = 24 - d
		}
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return bestIdx + 1, bestDist > 1
}

// NextWake returns the next wake instant strictly after from. An empty
// expression means no schedule exists anywhere for the device, so a fixed
// horizon a few hours out is returned; a device left without a next wake
// never wakes again. A non-empty expression that the cron parser rejects
// is treated as the default schedule.
func (e *Engine) NextWake(expr string, loc *time.Location, from time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if strings.TrimSpace(expr) == "" {
		return from.Add(time.Duration(e.fallbackHours) * time.Hour)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		sched, err = cron.ParseStandard(e.defaultExpr)
		if err != nil {
			return from.Add(time.Duration(e.fallbackHours) * time.Hour)
		}
	}
	return sched.Next(from.In(loc))
}

// NextWakeLocal formats the next wake for the firmware parser, which
// expects a bare local HH:MM string.
func (e *Engine) NextWakeLocal(expr string, loc *time.Location, from time.Time) (time.Time, string) {
	if loc == nil {
		loc = time.UTC
	}
	next := e.NextWake(expr, loc, from)
	return next, next.In(loc).Format("15:04")
}

// parseHourField extracts the hour field of a five-field cron expression.
// ok is false when the expression does not yield at least one valid hour.
func parseHourField(expr string) ([]int, bool) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) < 2 {
		return nil, false
	}
	field := fields[1]

	var hours []int
	switch {
	case field == "*":
		for h := 0; h < 24; h++ {
			hours = append(hours, h)
		}
	case strings.HasPrefix(field, "*/"):
		step, err := strconv.Atoi(field[2:])
		if err != nil || step <= 0 || step > 23 {
			return nil, false
		}
		for h := 0; h < 24; h += step {
			hours = append(hours, h)
		}
	case strings.Contains(field, ","):
		for _, part := range strings.Split(field, ",") {
			h, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || h < 0 || h > 23 {
				return nil, false
			}
			hours = append(hours, h)
		}
	default:
		h, err := strconv.Atoi(field)
		if err != nil || h < 0 || h > 23 {
			return nil, false
		}
		hours = []int{h}
	}

	sort.Ints(hours)
	// drop duplicates from sloppy provisioning like "8,8,16"
	out := hours[:0]
	for _, h := range hours {
		if len(out) == 0 || h != out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out, len(out) > 0
}
