package prefs

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/conneroisu/prefstore/internal/errors"
)

// Limits on keys, values and node names.
const (
	MaxKeyLength   = 80
	MaxValueLength = 8 * 1024
	MaxNameLength  = 80
)

func validateKey(key string) error {
	if n := utf8.RuneCountInString(key); n > MaxKeyLength {
		return errors.NewValidationError(errors.ErrCodeKeyTooLong,
			fmt.Sprintf("key too long: %d > %d", n, MaxKeyLength)).
			WithContext("key", key)
	}
	return nil
}

func validateValue(key, value string) error {
	if n := utf8.RuneCountInString(value); n > MaxValueLength {
		return errors.NewValidationError(errors.ErrCodeValueTooLong,
			fmt.Sprintf("value too long: %d > %d", n, MaxValueLength)).
			WithContext("key", key)
	}
	return nil
}

// splitPath parses a node path into its names. Empty names, as produced by
// "//" or a trailing slash, are rejected; "/" alone is the root.
func splitPath(path string) (absolute bool, names []string, err error) {
	if path == "" {
		return false, nil, nil
	}
	if path == "/" {
		return true, nil, nil
	}

	absolute = strings.HasPrefix(path, "/")
	rest := strings.TrimPrefix(path, "/")
	for _, name := range strings.Split(rest, "/") {
		if name == "" {
			return false, nil, errors.ErrInvalidPath(path)
		}
		if utf8.RuneCountInString(name) > MaxNameLength {
			return false, nil, errors.NewValidationError(errors.ErrCodeNameTooLong,
				fmt.Sprintf("node name too long: %q", name)).WithPath(path)
		}
		names = append(names, name)
	}
	return absolute, names, nil
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
