package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Spec is a parsed schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 2 * * *" (seconds optional), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes: "cron:" forces cron parsing, "interval:" or "every:" force interval parsing.
type Spec struct {
	Kind   Kind
	Expr   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"

	sched cron.Schedule
}

// parser accepts both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse parses raw into a Spec ready for Next/Due evaluation.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(s) {
		return parseInterval(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseInterval(s)
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

// Validate reports whether raw parses. The empty string is valid and means "no schedule".
func Validate(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	_, err := Parse(raw)
	return err
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron schedule required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Expr: expr, Source: "cron", sched: sched}, nil
}

func parseInterval(v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	var (
		d   time.Duration
		src string
		err error
	)
	if reHHMM.MatchString(v) {
		d, err = parseHHMMDuration(v)
		src = "hhmm"
	} else {
		d, err = time.ParseDuration(v)
		if err != nil {
			err = fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
		}
		src = "duration"
	}
	if err != nil {
		return Spec{}, err
	}
	if d < time.Second {
		return Spec{}, fmt.Errorf("interval must be >= 1s")
	}
	return Spec{Kind: KindInterval, Expr: v, Every: d, Source: src, sched: cron.Every(d)}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// Next returns the first activation strictly after t.
func (s Spec) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t)
}

// Due reports whether a job with this schedule should fire at now.
// last is the previous run (nil if never run); anchor is used instead of last when nil,
// typically the moment the scheduler started.
func (s Spec) Due(last *time.Time, anchor, now time.Time) bool {
	from := anchor
	if last != nil && !last.IsZero() {
		from = *last
	}
	next := s.Next(from)
	return !next.IsZero() && !next.After(now)
}

func (s Spec) String() string {
	return s.Kind.String() + ":" + s.Expr
}
