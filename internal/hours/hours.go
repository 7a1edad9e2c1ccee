// Package hours evaluates compact chat-queue schedule strings.
//
// A schedule has the form "<startDay>_<endDay>_<startHour>_<endHour>", e.g.
// "M_F_8_17" for Monday through Friday, 8am to 5pm. Any schedule containing
// the token "24" means always staffed. Malformed schedules evaluate as
// closed; these functions never panic.
package hours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatError is returned by Format for schedules that cannot be parsed.
const FormatError = "Hours format error"

var dayTokens = map[string]int{
	"SU": 0,
	"M":  1,
	"T":  2,
	"W":  3,
	"TH": 4,
	"F":  5,
	"S":  6,
}

var dayNames = [...]string{
	"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday",
}

type schedule struct {
	startDay  int
	endDay    int
	startHour int
	endHour   int
}

func parse(raw string) (*schedule, error) {
	parts := strings.Split(strings.TrimSpace(raw), "_")
	if len(parts) != 4 {
		return nil, fmt.Errorf("expected 4 tokens, got %d", len(parts))
	}

	startDay, ok := dayTokens[strings.ToUpper(parts[0])]
	if !ok {
		return nil, fmt.Errorf("unknown day token %q", parts[0])
	}
	endDay, ok := dayTokens[strings.ToUpper(parts[1])]
	if !ok {
		return nil, fmt.Errorf("unknown day token %q", parts[1])
	}

	startHour, err := parseHour(parts[2])
	if err != nil {
		return nil, err
	}
	endHour, err := parseHour(parts[3])
	if err != nil {
		return nil, err
	}

	return &schedule{
		startDay:  startDay,
		endDay:    endDay,
		startHour: startHour,
		endHour:   endHour,
	}, nil
}

func parseHour(token string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(token))
	if err != nil {
		return 0, fmt.Errorf("unparseable hour %q", token)
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %d out of range", h)
	}
	return h, nil
}

// AlwaysOpen reports whether the schedule marks the queue as staffed 24/7.
func AlwaysOpen(raw string) bool {
	return strings.Contains(raw, "24")
}

// IsOpen reports whether the queue is staffed at the given instant.
// Malformed schedules are treated as closed.
func IsOpen(raw string, now time.Time) bool {
	if AlwaysOpen(raw) {
		return true
	}

	sched, err := parse(raw)
	if err != nil {
		return false
	}

	day := int(now.Weekday())
	if !inDayRange(sched, day) {
		return false
	}
	return inHourRange(sched, now.Hour())
}

// inDayRange handles both plain ranges (M..F) and ranges that wrap the week
// boundary (F..M covers Fri, Sat, Sun, Mon).
func inDayRange(s *schedule, day int) bool {
	if s.startDay <= s.endDay {
		return day >= s.startDay && day <= s.endDay
	}
	return day >= s.startDay || day <= s.endDay
}

// inHourRange mirrors the day semantics: start <= hour < end for plain
// ranges, wrapping over midnight otherwise.
func inHourRange(s *schedule, hour int) bool {
	if s.startHour <= s.endHour {
		return hour >= s.startHour && hour < s.endHour
	}
	return hour >= s.startHour || hour < s.endHour
}

// Format renders the schedule for display, e.g.
// "Monday - Friday, 8:00 - 17:00". Always-open schedules render as
// "Available 24/7"; malformed schedules render as FormatError.
func Format(raw string) string {
	if AlwaysOpen(raw) {
		return "Available 24/7"
	}

	sched, err := parse(raw)
	if err != nil {
		return FormatError
	}

	return fmt.Sprintf("%s - %s, %d:00 - %d:00",
		dayNames[sched.startDay], dayNames[sched.endDay],
		sched.startHour, sched.endHour)
}

// Evaluate combines IsOpen and Format into a single display record.
func Evaluate(raw string, now time.Time) (isOpen bool, text string) {
	return IsOpen(raw, now), Format(raw)
}
