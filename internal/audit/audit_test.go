package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/legacyguard/internal/log"
)

func TestMemoryRingKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)

	for _, action := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, m.LogEvent(ctx, action, SeverityInfo, "msg "+action, nil))
	}

	assert.Equal(t, 3, m.Len())
	entries := m.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Action)
	assert.Equal(t, "e", entries[2].Action)
}

func TestMemoryDefaultCapacity(t *testing.T) {
	m := NewMemory(0)
	for i := 0; i < DefaultMemoryCapacity+10; i++ {
		require.NoError(t, m.LogEvent(context.Background(), ActionTaskCompleted, SeverityInfo, "done", nil))
	}
	assert.Equal(t, DefaultMemoryCapacity, m.Len())
}

func TestMemoryQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)
	require.NoError(t, m.LogEvent(ctx, ActionTaskCompleted, SeverityInfo, "t1", map[string]any{"orchestrationId": "o1"}))
	require.NoError(t, m.LogEvent(ctx, ActionTaskFailed, SeverityError, "t2", map[string]any{"orchestrationId": "o1"}))
	require.NoError(t, m.LogEvent(ctx, ActionTaskCompleted, SeverityInfo, "t3", map[string]any{"orchestrationId": "o2"}))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"t3", "t2", "t1"}},
		{"by action", Filter{Action: ActionTaskCompleted}, []string{"t3", "t1"}},
		{"by severity", Filter{Severity: SeverityError}, []string{"t2"}},
		{"by orchestration", Filter{OrchestrationID: "o1"}, []string{"t2", "t1"}},
		{"limit", Filter{Limit: 1}, []string{"t3"}},
		{"since future", Filter{Since: time.Now().Add(time.Hour)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Query(ctx, tt.filter)
			require.NoError(t, err)
			var msgs []string
			for _, e := range got {
				msgs = append(msgs, e.Message)
			}
			assert.Equal(t, tt.want, msgs)
		})
	}
}

func TestIntegrity(t *testing.T) {
	m := NewMemory(1)
	require.NoError(t, m.LogEvent(context.Background(), ActionApprovalGranted, SeverityWarning, "approved", map[string]any{"taskId": "3"}))

	e := m.Entries()[0]
	assert.NotEmpty(t, e.Integrity)
	assert.True(t, Verify(e))

	e.Message = "tampered"
	assert.False(t, Verify(e))
}

func TestFileSinkWritesAndQueries(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	require.NoError(t, err)
	defer f.Close()

	ctx := context.Background()
	require.NoError(t, f.LogEvent(ctx, ActionOrchestrationStarted, SeverityInfo, "started", map[string]any{"orchestrationId": "o1"}))
	require.NoError(t, f.LogEvent(ctx, ActionOrchestrationCompleted, SeverityInfo, "done", map[string]any{"orchestrationId": "o1", "tasks": 2}))

	name := filepath.Join(dir, "audit-"+time.Now().UTC().Format(fileDateLayout)+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	entries, err := f.Query(ctx, Filter{Action: ActionOrchestrationCompleted})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "done", entries[0].Message)
	assert.True(t, Verify(entries[0]), "integrity should survive a JSON round trip")
}

func TestFileSinkRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	require.NoError(t, err)
	defer f.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	f.now = func() time.Time { return day }
	require.NoError(t, f.LogEvent(context.Background(), "a", SeverityInfo, "first", nil))

	day = day.Add(2 * time.Minute)
	require.NoError(t, f.LogEvent(context.Background(), "b", SeverityInfo, "second", nil))

	_, err = os.Stat(filepath.Join(dir, "audit-2026-03-01.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "audit-2026-03-02.log"))
	assert.NoError(t, err)

	entries, err := f.Query(context.Background(), Filter{Since: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Message)
}

type failingSink struct{ calls int }

func (f *failingSink) LogEvent(context.Context, string, Severity, string, map[string]any) error {
	f.calls++
	return errors.New("database unavailable")
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Level: log.LevelDebug, Output: &buf})

	failing := &failingSink{}
	mem := NewMemory(10)
	b := NewBestEffort(logger, failing, nil, mem)

	err := b.LogEvent(context.Background(), ActionTaskFailed, SeverityError, "failed", nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, mem.Len(), "later sinks still receive the event")

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "audit sink failed", record["msg"])
	assert.Equal(t, "database unavailable", record["error"])
}

func TestBestEffortMasksMetadata(t *testing.T) {
	mem := NewMemory(10)
	b := NewBestEffort(nil, mem)

	b.Record(context.Background(), ActionOrchestrationStarted, SeverityInfo,
		"request with Bearer abc123",
		map[string]any{"apiKey": "sk-abcdefghijklmnopqrstuvwxyz", "request": "token: \"s3cret\""},
	)

	entries, err := b.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "request with Bearer ***REDACTED***", entries[0].Message)
	assert.Equal(t, "***OMITTED***", entries[0].Metadata["apiKey"])
	assert.NotContains(t, entries[0].Metadata["request"], "s3cret")
}

func TestBestEffortNil(t *testing.T) {
	var b *BestEffort
	b.Record(context.Background(), "x", SeverityInfo, "ignored", nil)
	entries, err := b.Query(context.Background(), Filter{})
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostgresConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PostgresConfig)
		wantErr bool
	}{
		{"defaults", func(*PostgresConfig) {}, false},
		{"missing url", func(c *PostgresConfig) { c.URL = " " }, true},
		{"zero ping timeout", func(c *PostgresConfig) { c.PingTimeout = 0 }, true},
		{"no connections", func(c *PostgresConfig) { c.MaxOpenConns = 0 }, true},
		{"idle above open", func(c *PostgresConfig) { c.MaxIdleConns = 10 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPostgresConfig("postgres://localhost/legacyguard")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPostgresSink(t *testing.T) {
	url := os.Getenv("LEGACYGUARD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEGACYGUARD_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	p, err := OpenPostgres(ctx, DefaultPostgresConfig(url))
	require.NoError(t, err)
	defer p.Close()

	id := "pg-" + time.Now().Format("150405.000000000")
	require.NoError(t, p.LogEvent(ctx, ActionTaskCompleted, SeverityInfo, "done", map[string]any{"orchestrationId": id}))

	entries, err := p.Query(ctx, Filter{OrchestrationID: id, Limit: 5})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "done", entries[0].Message)
	assert.Equal(t, SeverityInfo, entries[0].Severity)
}
