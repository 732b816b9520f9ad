package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const fileDateLayout = "2006-01-02"

// File appends entries as JSON lines to one file per day under a directory.
type File struct {
	mu          sync.Mutex
	dir         string
	current     *os.File
	currentDate string
	now         func() time.Time
}

// NewFile creates the directory if needed and opens today's log.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f := &File{dir: dir, now: time.Now}
	if err := f.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return f, nil
}

// LogEvent implements Sink.
func (f *File) LogEvent(_ context.Context, action string, severity Severity, message string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, err := newEntry(action, severity, message, metadata, f.now())
	if err != nil {
		return err
	}
	if err := f.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := f.current.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return f.current.Sync()
}

// Query implements Querier. Results are oldest first.
func (f *File) Query(_ context.Context, filter Filter) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	files, err := f.logFiles(filter.Since, filter.Until)
	if err != nil {
		return nil, err
	}

	out := []Entry{}
	for _, name := range files {
		entries, err := readEntries(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(name), err)
		}
		for _, e := range entries {
			if !filter.Matches(e) {
				continue
			}
			out = append(out, e)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Close closes the current log file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	return err
}

func (f *File) rotateIfNeeded() error {
	date := f.now().UTC().Format(fileDateLayout)
	if f.currentDate == date && f.current != nil {
		return nil
	}
	if f.current != nil {
		_ = f.current.Close()
	}

	name := filepath.Join(f.dir, fmt.Sprintf("audit-%s.log", date))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	f.current = file
	f.currentDate = date
	return nil
}

// logFiles returns the daily files overlapping [since, until], in date order.
func (f *File) logFiles(since, until time.Time) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(f.dir, "audit-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	out := files[:0]
	for _, name := range files {
		base := filepath.Base(name)
		day, err := time.Parse(fileDateLayout, base[len("audit-"):len(base)-len(".log")])
		if err != nil {
			continue
		}
		if !since.IsZero() && day.Add(24*time.Hour).Before(since) {
			continue
		}
		if !until.IsZero() && day.After(until) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func readEntries(name string) ([]Entry, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, sc.Err()
}
