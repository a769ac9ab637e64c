package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/job-relay/pkg/core"
)

// Schedule computes the next run after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

type everySchedule struct {
	interval time.Duration
}

// Every runs at a fixed interval.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// Daily runs once a day at hour:minute UTC.
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute, loc: time.UTC}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

type cronSchedule struct {
	schedule cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as
// "@hourly".
func ParseCron(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", core.ErrInvalidConfig, expr, err)
	}
	return &cronSchedule{schedule: s}, nil
}

// Cron is ParseCron for expressions known to be valid. It panics otherwise.
func Cron(expr string) Schedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Parse accepts a duration ("6h") or a cron expression ("0 3 * * *").
func Parse(spec string) (Schedule, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("%w: interval %q must be positive", core.ErrInvalidConfig, spec)
		}
		return Every(d), nil
	}
	return ParseCron(spec)
}
