package sandbox

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxCapturedOutput bounds how much of each stream a Result keeps.
const maxCapturedOutput = 1 << 20

// maxLineLength bounds a single streamed line.
const maxLineLength = 64 << 10

const truncatedLineSuffix = " [line truncated]"

// waitDelay bounds how long Wait blocks on pipes held open by orphaned children.
const waitDelay = 2 * time.Second

// processSpec is one subprocess invocation.
type processSpec struct {
	method  Method
	name    string
	args    []string
	dir     string
	env     []string
	timeout time.Duration
	// onKill runs after the process group is killed (e.g. to stop a detached container).
	onKill func()
}

// runProcess starts spec, forwards its output line by line to emit, and kills the
// whole process group on timeout or cancellation.
func runProcess(ctx context.Context, spec processSpec, emit func(Stream, string)) Result {
	start := time.Now()

	cmd := exec.Command(spec.name, spec.args...)
	cmd.Dir = spec.dir
	if spec.env != nil {
		cmd.Env = spec.env
	}
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	stdout := newLineWriter(func(line string) { emit(StreamStdout, line) })
	stderr := newLineWriter(func(line string) { emit(StreamStderr, line) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return Result{
			Success:    false,
			ExitCode:   1,
			Stderr:     err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
			Method:     spec.method,
			Error:      err.Error(),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(spec.timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut, canceled bool
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		killProcessGroup(cmd)
		if spec.onKill != nil {
			spec.onKill()
		}
		waitErr = <-done
	case <-ctx.Done():
		canceled = true
		killProcessGroup(cmd)
		if spec.onKill != nil {
			spec.onKill()
		}
		waitErr = <-done
	}

	stdout.Flush()
	stderr.Flush()

	res := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
		Method:     spec.method,
	}

	switch {
	case timedOut:
		res.ExitCode = TimeoutExitCode
		res.Error = TimeoutError
	case canceled:
		res.ExitCode = TimeoutExitCode
		res.Error = "Canceled: " + ctx.Err().Error()
	default:
		res.ExitCode = exitCodeOf(cmd, waitErr)
		res.Success = res.ExitCode == 0
		if !res.Success && waitErr != nil && !isExitError(waitErr) {
			res.Error = waitErr.Error()
		}
	}

	return res
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
		// Terminated by a signal we did not send.
		return 1
	}
	if waitErr != nil {
		return 1
	}
	return 0
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return stderrors.As(err, &exitErr)
}

// lineWriter splits written bytes into lines, forwarding each complete line and
// keeping a bounded copy of everything written. A line longer than maxLineLength
// is forwarded truncated as soon as it reaches the limit; the rest of it is dropped.
type lineWriter struct {
	mu        sync.Mutex
	emit      func(string)
	partial   []byte
	skipping  bool
	captured  bytes.Buffer
	truncated bool
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	if room := maxCapturedOutput - w.captured.Len(); room > 0 {
		if len(p) > room {
			w.captured.Write(p[:room])
			w.truncated = true
		} else {
			w.captured.Write(p)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}

	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		chunk := p
		if i >= 0 {
			chunk = p[:i]
		}
		if !w.skipping {
			if room := maxLineLength - len(w.partial); len(chunk) > room {
				w.partial = append(w.partial, chunk[:room]...)
				w.emitLine(true)
				w.skipping = true
			} else {
				w.partial = append(w.partial, chunk...)
			}
		}
		if i < 0 {
			break
		}
		if w.skipping {
			w.skipping = false
		} else {
			w.emitLine(false)
		}
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) emitLine(clipped bool) {
	line := strings.TrimRight(string(w.partial), "\r")
	if clipped {
		line += truncatedLineSuffix
	}
	w.partial = w.partial[:0]
	w.emit(line)
}

// Flush forwards a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.skipping {
		w.skipping = false
		return
	}
	if len(w.partial) > 0 {
		w.emitLine(false)
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.truncated {
		return w.captured.String() + "\n[output truncated]"
	}
	return w.captured.String()
}
