package prefs

import (
	"strconv"
	"strings"

	"github.com/conneroisu/prefstore/internal/errors"
)

// GetInt returns the value of key parsed as an int, or def when absent or
// malformed.
func GetInt(p Preferences, key string, def int) int {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// GetBool returns the value of key parsed as a bool. Only "true" and
// "false", in any case, are recognized.
func GetBool(p Preferences, key string, def bool) bool {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	switch {
	case strings.EqualFold(v, "true"):
		return true
	case strings.EqualFold(v, "false"):
		return false
	}
	return def
}

// GetFloat returns the value of key parsed as a float64.
func GetFloat(p Preferences, key string, def float64) float64 {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// PutInt stores an int.
func PutInt(p Preferences, key string, value int) error {
	return p.Put(key, strconv.Itoa(value))
}

// PutBool stores a bool.
func PutBool(p Preferences, key string, value bool) error {
	return p.Put(key, strconv.FormatBool(value))
}

// PutFloat stores a float64.
func PutFloat(p Preferences, key string, value float64) error {
	return p.Put(key, strconv.FormatFloat(value, 'g', -1, 64))
}

// ParseInt is like GetInt but reports malformed values.
func ParseInt(p Preferences, key string) (int, bool, error) {
	v, ok := p.Lookup(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, errors.NewValidationError(errors.ErrCodeInvalidNumber, "not an integer: "+v).
			WithContext("key", key)
	}
	return i, true, nil
}
