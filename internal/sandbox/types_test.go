package sandbox

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

func TestConfigTimeout(t *testing.T) {
	tests := []struct {
		ms   int64
		want time.Duration
	}{
		{0, DefaultTimeout},
		{-5, DefaultTimeout},
		{100, 100 * time.Millisecond},
		{MaxTimeout.Milliseconds() * 2, MaxTimeout},
		{9_300_000_000_000, MaxTimeout},
		{math.MaxInt64, MaxTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Config{TimeoutMs: tt.ms}.Timeout())
	}
}

func TestConfigEffectiveFailMode(t *testing.T) {
	assert.Equal(t, FailModeFail, Config{}.EffectiveFailMode())
	assert.Equal(t, FailModeFail, Config{FailMode: "fail"}.EffectiveFailMode())
	assert.Equal(t, FailModeWarn, Config{FailMode: "warn"}.EffectiveFailMode())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"disabled needs nothing", Config{}, ""},
		{"valid", Config{Enabled: true, RepoPath: ".", FailMode: FailModeWarn, TimeoutMs: 1000}, ""},
		{"missing repo", Config{Enabled: true}, "repoPath"},
		{"bad fail mode", Config{Enabled: true, RepoPath: ".", FailMode: "ignore"}, "failMode"},
		{"negative timeout", Config{Enabled: true, RepoPath: ".", TimeoutMs: -1}, "negative"},
		{"timeout above max", Config{Enabled: true, RepoPath: ".", TimeoutMs: MaxTimeout.Milliseconds() + 1}, "exceed"},
		{"timeout overflowing a duration", Config{Enabled: true, RepoPath: ".", TimeoutMs: 9_300_000_000_000}, "exceed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.IsCode(err, errors.ErrCodeSandboxConfigInvalid))
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestLineWriterSplitsAndTruncates(t *testing.T) {
	var lines []string
	w := newLineWriter(func(s string) { lines = append(lines, s) })

	_, _ = w.Write([]byte("a\r\nb"))
	_, _ = w.Write([]byte("c\n"))
	_, _ = w.Write([]byte("partial"))
	w.Flush()

	assert.Equal(t, []string{"a", "bc", "partial"}, lines)
	assert.Equal(t, "a\r\nbc\npartial", w.String())

	big := newLineWriter(func(string) {})
	_, _ = big.Write([]byte(strings.Repeat("x", maxCapturedOutput+10)))
	assert.True(t, strings.HasSuffix(big.String(), "[output truncated]"))
	assert.Equal(t, maxCapturedOutput+len("\n[output truncated]"), len(big.String()))
}

func TestLineWriterCapsLongLines(t *testing.T) {
	var lines []string
	w := newLineWriter(func(s string) { lines = append(lines, s) })

	chunk := []byte(strings.Repeat("a", 4096))
	for i := 0; i < 50; i++ {
		_, _ = w.Write(chunk)
	}
	require.Len(t, lines, 1, "the long line is forwarded once it reaches the limit")
	assert.Equal(t, maxLineLength+len(truncatedLineSuffix), len(lines[0]))
	assert.True(t, strings.HasSuffix(lines[0], truncatedLineSuffix))

	_, _ = w.Write([]byte("aaa\nnext\ntail"))
	w.Flush()
	assert.Equal(t, []string{"next", "tail"}, lines[1:])
}

func TestLineWriterFlushDropsRestOfClippedLine(t *testing.T) {
	var lines []string
	w := newLineWriter(func(s string) { lines = append(lines, s) })

	_, _ = w.Write([]byte(strings.Repeat("b", maxLineLength+1)))
	w.Flush()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], truncatedLineSuffix))
}
