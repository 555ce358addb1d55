package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ConfigBackend is where non-secret settings persist between runs. Each
// platform stores values natively typed: UserDefaults on macOS, a JSON file
// under XDG_CONFIG_HOME elsewhere. ok is false when the key was never set.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)

	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	SetFloat(key string, val float64) error

	// Delete drops a key so its default applies again.
	Delete(key string) error
}

// The as* helpers coerce a stored value to the type a key declares. Values
// may arrive natively typed (JSON numbers, bools) or as text written by hand
// or read back from the defaults CLI.

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(key string, v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, fmt.Errorf("value %v for %s is not a valid integer", val, key)
		}
		return int(val), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("invalid type %T for %s", v, key)
}

func asBool(key string, v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, fmt.Errorf("invalid bool for %s: %w", key, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("invalid type %T for %s", v, key)
}

func asFloat(key string, v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid float for %s: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("invalid type %T for %s", v, key)
}
