package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// languageMarkers maps marker files to languages, checked in order.
var languageMarkers = []struct {
	language string
	files    []string
}{
	{"javascript", []string{"package.json"}},
	{"typescript", []string{"tsconfig.json"}},
	{"python", []string{"requirements.txt", "pyproject.toml", "setup.py"}},
	{"go", []string{"go.mod", "go.sum"}},
	{"rust", []string{"Cargo.toml"}},
	{"java", []string{"pom.xml", "build.gradle"}},
	{"ruby", []string{"Gemfile"}},
	{"php", []string{"composer.json"}},
}

// DetectLanguage returns the first language whose marker file exists in repoPath,
// or "" when none match.
func DetectLanguage(repoPath string) string {
	if repoPath == "" {
		return ""
	}
	for _, m := range languageMarkers {
		for _, f := range m.files {
			if _, err := os.Stat(filepath.Join(repoPath, f)); err == nil {
				return m.language
			}
		}
	}
	return ""
}

// DetectLanguages returns every language with a marker file in repoPath.
func DetectLanguages(repoPath string) []string {
	var out []string
	for _, m := range languageMarkers {
		for _, f := range m.files {
			if _, err := os.Stat(filepath.Join(repoPath, f)); err == nil {
				out = append(out, m.language)
				break
			}
		}
	}
	return out
}

// RuntimeInfo holds container runtime detection results
type RuntimeInfo struct {
	Name      string `json:"name,omitempty"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Available bool   `json:"available"`
}

// RuntimeDetector reports whether a container runtime can start containers.
type RuntimeDetector interface {
	Detect(ctx context.Context) RuntimeInfo
}

// ExecDetector checks runtime binaries on PATH by asking the daemon for its version.
type ExecDetector struct {
	// Candidates are tried in order. Defaults to docker, then podman.
	Candidates []string
	// Timeout bounds each version query
	Timeout time.Duration
}

// NewExecDetector creates a detector for the given runtime names.
func NewExecDetector(candidates ...string) *ExecDetector {
	if len(candidates) == 0 {
		candidates = []string{"docker", "podman"}
	}
	return &ExecDetector{Candidates: candidates, Timeout: 5 * time.Second}
}

// Detect implements RuntimeDetector.Detect. A CLI without a reachable daemon is
// reported as unavailable.
func (p *ExecDetector) Detect(ctx context.Context) RuntimeInfo {
	for _, name := range p.Candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}

		detectCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		out, err := exec.CommandContext(detectCtx, path, "version", "--format", "{{.Server.Version}}").Output()
		cancel()

		version := strings.TrimSpace(string(out))
		if err != nil || version == "" {
			continue
		}
		return RuntimeInfo{Name: name, Path: path, Version: version, Available: true}
	}
	return RuntimeInfo{}
}

// StaticDetector returns a fixed answer. Used when the runtime is configured off
// and in tests.
type StaticDetector struct {
	Info RuntimeInfo
}

// Detect implements RuntimeDetector.Detect
func (s StaticDetector) Detect(context.Context) RuntimeInfo {
	return s.Info
}
