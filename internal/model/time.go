package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const nsecPerSec = 1_000_000_000

// Time is a fixed-point timestamp. Nsec is always in [0, 1e9) for a valid Time.
type Time struct {
	Sec  int64 `yaml:"sec" json:"sec" codec:"s"`
	Nsec int32 `yaml:"nsec" json:"nsec" codec:"n"`
}

// Compare orders a and b lexicographically on (Sec, Nsec).
func Compare(a, b Time) int {
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Nsec < b.Nsec:
		return -1
	case a.Nsec > b.Nsec:
		return 1
	default:
		return 0
	}
}

// Add returns a+b with the nanosecond carry folded into seconds.
func Add(a, b Time) Time {
	sec := a.Sec + b.Sec
	nsec := int64(a.Nsec) + int64(b.Nsec)
	sec += nsec / nsecPerSec
	nsec %= nsecPerSec
	if nsec < 0 {
		nsec += nsecPerSec
		sec--
	}
	return Time{Sec: sec, Nsec: int32(nsec)}
}

// Equal reports whether both fields match.
func (t Time) Equal(o Time) bool { return t.Sec == o.Sec && t.Nsec == o.Nsec }

// Before reports whether t sorts strictly before o.
func (t Time) Before(o Time) bool { return Compare(t, o) < 0 }

// After reports whether t sorts strictly after o.
func (t Time) After(o Time) bool { return Compare(t, o) > 0 }

// IsZero reports whether t is the zero timestamp.
func (t Time) IsZero() bool { return t.Sec == 0 && t.Nsec == 0 }

// IsValid reports whether Nsec is normalized.
func (t Time) IsValid() bool { return t.Nsec >= 0 && t.Nsec < nsecPerSec }

// Add offsets t by a duration.
func (t Time) Add(d time.Duration) Time { return Add(t, FromDuration(d)) }

// ToNanos converts t to nanoseconds. Overflows past year 2262.
func (t Time) ToNanos() int64 { return t.Sec*nsecPerSec + int64(t.Nsec) }

// String formats t as seconds with nine fractional digits.
func (t Time) String() string {
	if t.Sec < 0 && t.Nsec > 0 {
		// -0.5s is stored as {-1, 5e8}
		n := -t.ToNanos()
		return fmt.Sprintf("-%d.%09d", n/nsecPerSec, n%nsecPerSec)
	}
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}

// FromNanos builds a normalized Time from nanoseconds.
func FromNanos(n int64) Time {
	return Add(Time{}, Time{Sec: n / nsecPerSec, Nsec: int32(n % nsecPerSec)})
}

// FromDuration converts a duration to a Time offset.
func FromDuration(d time.Duration) Time { return FromNanos(int64(d)) }

// FromMillis converts milliseconds to a Time offset.
func FromMillis(ms int64) Time { return FromNanos(ms * int64(time.Millisecond)) }

// Sub returns a-b as a duration.
func Sub(a, b Time) time.Duration {
	return time.Duration(a.ToNanos() - b.ToNanos())
}

// Clamp bounds t to [lo, hi].
func Clamp(t, lo, hi Time) Time {
	if Compare(t, lo) < 0 {
		return lo
	}
	if Compare(t, hi) > 0 {
		return hi
	}
	return t
}

// Min returns the earlier of a and b.
func Min(a, b Time) Time {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Max returns the later of a and b.
func Max(a, b Time) Time {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// ParseTime parses "sec", "sec.frac" or a Go duration ("1m30s") measured from zero.
func ParseTime(s string) (Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Time{}, fmt.Errorf("empty time")
	}
	if d, err := time.ParseDuration(s); err == nil && strings.ContainsAny(s, "hmsuµn") {
		return FromDuration(d), nil
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Time{}, fmt.Errorf("invalid seconds %q: %w", whole, err)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return Time{}, fmt.Errorf("invalid fraction %q: %w", frac, err)
		}
	}
	t := Time{Sec: sec, Nsec: int32(nsec)}
	if neg {
		t = FromNanos(-t.ToNanos())
	}
	return t, nil
}
