package log

import (
	"bytes"
	"testing"
)

func TestFormatString(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{FormatJSON, "json"},
		{FormatText, "text"},
		{Format(999), "json"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.format.String(); got != tt.want {
				t.Errorf("Format.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input string
		want  Format
	}{
		{"json", FormatJSON},
		{"JSON", FormatJSON},
		{"text", FormatText},
		{"TEXT", FormatText},
		{"console", FormatText},
		{"invalid", FormatJSON},
		{"", FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseFormat(tt.input); got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfigFrom(t *testing.T) {
	var buf bytes.Buffer
	cfg := ConfigFrom("debug", "text", &buf)

	if cfg.Level != LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected text format, got %v", cfg.Format)
	}
	if cfg.Output != &buf {
		t.Errorf("expected custom output writer")
	}
	if cfg.ServiceName != "legacyguard" {
		t.Errorf("expected service name legacyguard, got %q", cfg.ServiceName)
	}
}

func TestConfigFromNilWriterKeepsDefault(t *testing.T) {
	cfg := ConfigFrom("", "", nil)
	if cfg.Output == nil {
		t.Fatal("expected default output writer")
	}
	if cfg.Level != LevelInfo || cfg.Format != FormatJSON {
		t.Errorf("expected info/json defaults, got %v/%v", cfg.Level, cfg.Format)
	}
}
