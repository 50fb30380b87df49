package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so config values can be written as plain
// "<n>(ms|s|m|h)" strings (e.g. "30s", "5m") instead of Go's integer
// nanosecond form, matching the shorthand spec.md §6 uses for every
// timeout/interval key.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, which viper consults
// when decoding a config value into a Duration field.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler so Save round-trips the
// same shorthand form back out to JSON.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration for use in timers/tickers.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
