// Package timeconv validates 5-field cron expressions authored in local time
// and rewrites them into the equivalent UTC expression the timer engine runs.
//
// Only exact hour values are shifted. Hour fields containing a wildcard,
// step, range or list are passed through unchanged with a warning. When the
// shift crosses midnight and the day-of-month or weekday field is
// restricted, conversion is refused with ErrDayRollover rather than firing
// on the wrong day.
package timeconv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCron is returned for malformed or unparseable expressions
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrDayRollover is returned when the UTC shift would move a restricted day or month field
	ErrDayRollover = errors.New("cron day field cannot follow UTC day rollover")
)

const (
	minutesPerHour = 60
	minutesPerDay  = 24 * minutesPerHour
)

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Converter converts cron expressions between a local zone and UTC
type Converter struct {
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
}

// NewConverter creates a converter for expressions authored in loc.
// A nil loc means the process local zone.
func NewConverter(loc *time.Location, logger *zap.Logger) *Converter {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{
		loc:    loc,
		logger: logger.Named("timeconv"),
		now:    time.Now,
	}
}

// Location returns the zone expressions are authored in
func (c *Converter) Location() *time.Location {
	return c.loc
}

// Validate checks that expr is a well formed 5-field cron expression
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}
	if _, err := standardParser.Parse(strings.Join(fields, " ")); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return nil
}

// Validate checks that expr is a well formed 5-field cron expression
func (c *Converter) Validate(expr string) error {
	return Validate(expr)
}

// LocalToUTC converts expr using the zone offset in effect now
func (c *Converter) LocalToUTC(expr string) (string, error) {
	return c.LocalToUTCAt(expr, c.now())
}

// LocalToUTCAt converts expr using the zone offset in effect at the instant at
func (c *Converter) LocalToUTCAt(expr string, at time.Time) (string, error) {
	if err := Validate(expr); err != nil {
		return "", err
	}

	fields := strings.Fields(expr)
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if isCompound(hour) {
		c.logger.Warn("Hour field is not an exact value, leaving cron expression unconverted",
			zap.String("cron", expr),
			zap.String("hour", hour))
		return strings.Join(fields, " "), nil
	}

	_, offset := at.In(c.loc).Zone()
	offsetMinutes := offset / 60
	if offsetMinutes == 0 {
		return strings.Join(fields, " "), nil
	}

	h, err := strconv.Atoi(hour)
	if err != nil {
		return "", fmt.Errorf("%w: hour %q: %v", ErrInvalidCron, hour, err)
	}

	// Fractional-hour zones shift the minute too, which needs an exact minute
	fractional := offsetMinutes%minutesPerHour != 0
	m := 0
	if fractional {
		if isCompound(minute) {
			return "", fmt.Errorf("%w: minute %q cannot follow a %d minute zone offset",
				ErrInvalidCron, minute, offsetMinutes)
		}
		if m, err = strconv.Atoi(minute); err != nil {
			return "", fmt.Errorf("%w: minute %q: %v", ErrInvalidCron, minute, err)
		}
	}

	total := h*minutesPerHour + m - offsetMinutes
	dayShift := floorDiv(total, minutesPerDay)
	total -= dayShift * minutesPerDay

	if dayShift != 0 && (!isWildcard(dom) || !isWildcard(month) || !isWildcard(dow)) {
		return "", fmt.Errorf("%w: %q shifts by %d day(s) in UTC", ErrDayRollover, expr, dayShift)
	}

	fields[1] = strconv.Itoa(total / minutesPerHour)
	if fractional {
		fields[0] = strconv.Itoa(total % minutesPerHour)
	}

	utc := strings.Join(fields, " ")
	if dayShift != 0 {
		c.logger.Debug("Cron expression crosses midnight in UTC",
			zap.String("local", expr),
			zap.String("utc", utc),
			zap.Int("day_shift", dayShift))
	}
	return utc, nil
}

// NextRun returns the first UTC occurrence of the local expression strictly after now
func (c *Converter) NextRun(expr string, now time.Time) (time.Time, error) {
	utc, err := c.LocalToUTCAt(expr, now)
	if err != nil {
		return time.Time{}, err
	}

	schedule, err := standardParser.Parse(utc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	next := schedule.Next(now.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next.UTC(), nil
}

// EngineSpec prefixes a 5-field expression with a zero seconds field
func EngineSpec(expr string) string {
	return "0 " + strings.Join(strings.Fields(expr), " ")
}

func isCompound(field string) bool {
	return strings.ContainsAny(field, "*/-,?")
}

func isWildcard(field string) bool {
	return field == "*" || field == "?"
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
