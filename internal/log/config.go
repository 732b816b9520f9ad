package log

import (
	"io"
	"os"
	"strings"
)

// Format represents the output format for logs
type Format int

const (
	// FormatJSON outputs logs in JSON format
	FormatJSON Format = iota
	// FormatText outputs logs in human-readable text format
	FormatText
)

// String returns the string representation of the format
func (f Format) String() string {
	if f == FormatText {
		return "text"
	}
	return "json"
}

// ParseFormat parses a string into a Format
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "console":
		return FormatText
	default:
		return FormatJSON
	}
}

// Config holds configuration for the logger
type Config struct {
	// Level is the minimum log level to output
	Level Level

	// Format is the output format (JSON or Text)
	Format Format

	// Output is where logs should be written. Defaults to stderr.
	Output io.Writer

	// AddSource includes source file and line number in logs
	AddSource bool

	// ServiceName is attached to every record as "service"
	ServiceName string
}

// DefaultConfig logs at INFO level in JSON format to stderr
func DefaultConfig() Config {
	return Config{
		Level:       LevelInfo,
		Format:      FormatJSON,
		Output:      os.Stderr,
		ServiceName: "legacyguard",
	}
}

// DevelopmentConfig logs at DEBUG level in text format with source location
func DevelopmentConfig() Config {
	return Config{
		Level:       LevelDebug,
		Format:      FormatText,
		Output:      os.Stderr,
		AddSource:   true,
		ServiceName: "legacyguard",
	}
}

// ConfigFrom builds a Config from the textual level and format used in service configuration.
func ConfigFrom(level, format string, out io.Writer) Config {
	cfg := DefaultConfig()
	cfg.Level = ParseLevel(level)
	cfg.Format = ParseFormat(format)
	if out != nil {
		cfg.Output = out
	}
	return cfg
}
