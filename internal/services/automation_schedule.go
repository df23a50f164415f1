package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// scheduleField is one position of a schedule expression. any == true matches every value.
type scheduleField struct {
	any   bool
	value int
}

func (f scheduleField) matches(v int) bool {
	return f.any || f.value == v
}

// Schedule is a parsed 5-field expression: minute hour day-of-month month weekday.
// Each field is either an integer or "*". There are no ranges, lists or steps.
type Schedule struct {
	Minute     scheduleField
	Hour       scheduleField
	DayOfMonth scheduleField
	Month      scheduleField
	Weekday    scheduleField
}

var scheduleBounds = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ParseSchedule parses a schedule expression such as "0 9 * * 1".
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(scheduleBounds) {
		return Schedule{}, fmt.Errorf("schedule %q: expected 5 fields, got %d", expr, len(parts))
	}

	fields := make([]scheduleField, len(parts))
	for i, p := range parts {
		b := scheduleBounds[i]
		if p == "*" {
			fields[i] = scheduleField{any: true}
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Schedule{}, fmt.Errorf("schedule %q: %s field %q is not a number", expr, b.name, p)
		}
		if n < b.min || n > b.max {
			return Schedule{}, fmt.Errorf("schedule %q: %s %d out of range %d-%d", expr, b.name, n, b.min, b.max)
		}
		fields[i] = scheduleField{value: n}
	}

	return Schedule{
		Minute:     fields[0],
		Hour:       fields[1],
		DayOfMonth: fields[2],
		Month:      fields[3],
		Weekday:    fields[4],
	}, nil
}

// Matches reports whether all five fields match t at minute granularity.
func (s Schedule) Matches(t time.Time) bool {
	return s.Minute.matches(t.Minute()) &&
		s.Hour.matches(t.Hour()) &&
		s.DayOfMonth.matches(t.Day()) &&
		s.Month.matches(int(t.Month())) &&
		s.Weekday.matches(int(t.Weekday()))
}
