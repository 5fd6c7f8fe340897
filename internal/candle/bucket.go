package candle

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTimeframe = errors.New("invalid timeframe")
	ErrInvalidTimeUnit  = errors.New("invalid time unit")
)

const (
	MinTimeframe int64 = 1
	MaxTimeframe int64 = 59
)

// TimeUnit selects the granularity of the candle grid.
// Values match the on-chain enum (SECOND=1, MINUTE=2).
type TimeUnit int32

const (
	TimeUnitUnknown TimeUnit = iota
	TimeUnitSecond
	TimeUnitMinute
)

func (u TimeUnit) String() string {
	switch u {
	case TimeUnitSecond:
		return "second"
	case TimeUnitMinute:
		return "minute"
	default:
		return "unknown"
	}
}

// Valid reports whether u is a unit the bucketing grid supports.
func (u TimeUnit) Valid() bool {
	return u == TimeUnitSecond || u == TimeUnitMinute
}

// ParseTimeUnit accepts "second"/"minute" (case-sensitive, as emitted by String).
func ParseTimeUnit(s string) (TimeUnit, error) {
	switch s {
	case "second":
		return TimeUnitSecond, nil
	case "minute":
		return TimeUnitMinute, nil
	default:
		return TimeUnitUnknown, fmt.Errorf("%w: %q", ErrInvalidTimeUnit, s)
	}
}

// Seconds returns the length of one unit in seconds.
func (u TimeUnit) Seconds() int64 {
	switch u {
	case TimeUnitSecond:
		return 1
	case TimeUnitMinute:
		return 60
	default:
		return 0
	}
}

// ValidateTimeframe checks timeframe ∈ [1, 59].
func ValidateTimeframe(timeframe int64) error {
	if timeframe < MinTimeframe || timeframe > MaxTimeframe {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidTimeframe, timeframe, MinTimeframe, MaxTimeframe)
	}
	return nil
}

func validate(unit TimeUnit, timeframe int64) error {
	if err := ValidateTimeframe(timeframe); err != nil {
		return err
	}
	if !unit.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTimeUnit, unit)
	}
	return nil
}

// BucketStart returns the UTC start timestamp (epoch seconds) of the candle
// containing now.
//
// With TimeUnitSecond the seconds-of-minute are floored to a multiple of
// timeframe. With TimeUnitMinute the minutes-of-hour are floored and the
// seconds are zeroed. Sub-second precision is always discarded.
func BucketStart(unit TimeUnit, timeframe int64, now time.Time) (int64, error) {
	if err := validate(unit, timeframe); err != nil {
		return 0, err
	}

	t := now.UTC()
	tf := int(timeframe)

	var start time.Time
	switch unit {
	case TimeUnitSecond:
		sec := t.Second() - t.Second()%tf
		start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), sec, 0, time.UTC)
	case TimeUnitMinute:
		min := t.Minute() - t.Minute()%tf
		start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), min, 0, 0, time.UTC)
	}

	return start.Unix(), nil
}

// BucketEnd returns the exclusive end of the candle containing now.
// A candle never spans the enclosing minute (seconds grid) or hour (minutes
// grid), so the last candle of that period is short when timeframe does not
// divide 60.
func BucketEnd(unit TimeUnit, timeframe int64, now time.Time) (int64, error) {
	start, err := BucketStart(unit, timeframe, now)
	if err != nil {
		return 0, err
	}

	period := 60 * unit.Seconds()
	boundary := start - floorMod(start, period) + period

	end := start + timeframe*unit.Seconds()
	if end > boundary {
		end = boundary
	}
	return end, nil
}

// WindowSeconds returns the nominal candle length.
func WindowSeconds(unit TimeUnit, timeframe int64) (int64, error) {
	if err := validate(unit, timeframe); err != nil {
		return 0, err
	}
	return timeframe * unit.Seconds(), nil
}

func floorMod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
