package config

import (
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/conneroisu/prefstore/internal/logging"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation errors:\n")
		for _, err := range vr.Errors {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", err.Field, err.Message))
			for _, suggestion := range err.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
		builder.WriteString("\n")
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation warnings:\n")
		for _, warning := range vr.Warnings {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", warning.Field, warning.Message))
			for _, suggestion := range warning.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}

	return builder.String()
}

// ValidateConfigWithDetails performs validation with detailed feedback
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateDir("user_dir", config.UserDir, result)
	validateDir("system_dir", config.SystemDir, result)
	if config.UserDir != "" && filepath.Clean(config.UserDir) == filepath.Clean(config.SystemDir) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "system_dir",
			Value:   config.SystemDir,
			Message: "user and system roots must differ",
			Suggestions: []string{
				"Point system_dir at a shared read-only location",
			},
		})
	}

	validateStorageDetails(config, result)
	validateLogDetails(&config.Log, result)
	validateFeedDetails(&config.Feed, result)

	result.Valid = !result.HasErrors()
	return result
}

func validateDir(field, dir string, result *ValidationResult) {
	if err := validatePath(dir); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   field,
			Value:   dir,
			Message: err.Error(),
			Suggestions: []string{
				"Use an absolute directory such as ~/.config/prefstore/user",
				"Avoid parent directory references (..)",
			},
		})
	}
}

func validateStorageDetails(config *Config, result *ValidationResult) {
	if config.FlushDelay <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "flush_delay",
			Value:   config.FlushDelay,
			Message: fmt.Sprintf("flush delay %s must be positive", config.FlushDelay),
			Suggestions: []string{
				"The default is 200ms",
			},
		})
	} else if config.FlushDelay > time.Minute {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "flush_delay",
			Value:   config.FlushDelay,
			Message: "changes stay in memory for over a minute before reaching disk",
		})
	}

	if config.Workers < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "workers",
			Value:   config.Workers,
			Message: fmt.Sprintf("workers %d must be at least 1", config.Workers),
		})
	} else if config.Workers > 64 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "workers",
			Value:   config.Workers,
			Message: "flushes are short; a large pool rarely helps",
		})
	}
}

func validateLogDetails(config *LogConfig, result *ValidationResult) {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "log.level",
			Value:       config.Level,
			Message:     err.Error(),
			Suggestions: []string{"Use one of debug, info, warn, error"},
		})
	}
	if !slices.Contains([]string{"text", "json"}, config.Format) {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "log.format",
			Value:       config.Format,
			Message:     fmt.Sprintf("unknown log format '%s'", config.Format),
			Suggestions: []string{"Use 'text' or 'json'"},
		})
	}
}

func validateFeedDetails(config *FeedConfig, result *ValidationResult) {
	if config.Addr == "" {
		return
	}
	host, _, err := net.SplitHostPort(config.Addr)
	if err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "feed.addr",
			Value:   config.Addr,
			Message: err.Error(),
			Suggestions: []string{
				"Use host:port, e.g. localhost:7331",
			},
		})
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "feed.addr",
			Value:   config.Addr,
			Message: "the change feed is reachable from other hosts",
		})
	}
	for i, origin := range config.AllowedOrigins {
		if origin == "*" {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   fmt.Sprintf("feed.allowed_origins[%d]", i),
				Value:   origin,
				Message: "any web page may subscribe to preference changes",
			})
		}
	}
}

// validatePath validates a directory path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	for _, segment := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == filepath.Separator
	}) {
		if segment == ".." {
			return fmt.Errorf("path contains traversal: %s", path)
		}
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
