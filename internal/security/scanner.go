// Package security holds the credential handling shared by the orchestrator:
// masking of secrets before they are logged or streamed, and the repository
// secret scan run by the built-in security worker.
package security

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// FindingKind identifies what sort of credential a finding looks like.
type FindingKind string

const (
	KindAWSKey      FindingKind = "aws_access_key"
	KindAWSSecret   FindingKind = "aws_secret_key"
	KindGitHubToken FindingKind = "github_token"
	KindSlackToken  FindingKind = "slack_token"
	KindPrivateKey  FindingKind = "private_key"
	KindAPIKey      FindingKind = "api_key"
	KindPassword    FindingKind = "password"
	KindJWT         FindingKind = "jwt_token"
	KindDatabaseURL FindingKind = "database_url"
	KindGeneric     FindingKind = "generic_secret"
)

// Severity of a finding. Ordered from most to least severe in severityOrder.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityOrder = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// maxScanFileSize bounds how much of a single file is read.
const maxScanFileSize = 1 << 20

// Finding is one suspected secret in the repository.
type Finding struct {
	Kind        FindingKind `json:"kind"`
	File        string      `json:"file"`
	Line        int         `json:"line"`
	Excerpt     string      `json:"excerpt"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
}

// Report is the outcome of scanning a tree.
type Report struct {
	Root         string    `json:"root"`
	FilesScanned int       `json:"filesScanned"`
	FilesSkipped int       `json:"filesSkipped"`
	Findings     []Finding `json:"findings"`
}

// Count returns the number of findings at the given severity.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Highest returns the most severe finding level, or "" when the report is clean.
func (r *Report) Highest() Severity {
	for _, sev := range severityOrder {
		if r.Count(sev) > 0 {
			return sev
		}
	}
	return ""
}

type detector struct {
	kind        FindingKind
	pattern     *regexp.Regexp
	description string
	severity    Severity
}

var defaultDetectors = []detector{
	{KindAWSKey, regexp.MustCompile(`(?i)(aws|amazon)[\s\w]*key[\s\w]*[:=]\s*["']?(AKIA[0-9A-Z]{16})["']?`), "AWS access key id", SeverityCritical},
	{KindAWSSecret, regexp.MustCompile(`(?i)(aws|amazon)[\s\w]*secret[\s\w]*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`), "AWS secret access key", SeverityCritical},
	{KindGitHubToken, regexp.MustCompile(`(ghp|gho)_[A-Za-z0-9_]{36,}`), "GitHub token", SeverityHigh},
	{KindGitHubToken, regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`), "GitHub fine-grained token", SeverityHigh},
	{KindSlackToken, regexp.MustCompile(`xox[baprs]-[0-9]{10,12}-[0-9]{10,12}-[A-Za-z0-9]{24,}`), "Slack token", SeverityHigh},
	{KindPrivateKey, regexp.MustCompile(`-----BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIVATE KEY-----`), "Private key", SeverityCritical},
	{KindAPIKey, regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "Model provider API key", SeverityHigh},
	{KindAPIKey, regexp.MustCompile(`(?i)api[\s_-]?key[\s\w]*[:=]\s*["']?([A-Za-z0-9_\-]{32,})["']?`), "Generic API key", SeverityMedium},
	{KindPassword, regexp.MustCompile(`(?i)password[\s\w]*[:=]\s*["']([^"']{8,})["']`), "Hardcoded password", SeverityHigh},
	{KindJWT, regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`), "JWT", SeverityMedium},
	{KindDatabaseURL, regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:[^\s'"]+@`), "Database URL with credentials", SeverityCritical},
	{KindGeneric, regexp.MustCompile(`(?i)secret[\s\w]*[:=]\s*["']([A-Za-z0-9_\-+=]{20,})["']`), "Generic secret", SeverityMedium},
}

// Scanner walks a repository looking for committed credentials.
type Scanner struct {
	detectors   []detector
	skipDirs    map[string]struct{}
	skipFileRes []*regexp.Regexp
}

// NewScanner returns a scanner with the default detectors and exclusions.
func NewScanner() *Scanner {
	return &Scanner{
		detectors: defaultDetectors,
		skipDirs: map[string]struct{}{
			".git":         {},
			"node_modules": {},
			"vendor":       {},
			"dist":         {},
			"build":        {},
			".legacyguard": {},
		},
		skipFileRes: []*regexp.Regexp{
			regexp.MustCompile(`\.(log|lock|sum)$`),
			regexp.MustCompile(`\.min\.(js|css)$`),
			regexp.MustCompile(`\.(png|jpe?g|gif|ico|pdf|zip|gz|tar|jar|woff2?)$`),
		},
	}
}

// SkipDir excludes directories with the given base name from walks.
func (s *Scanner) SkipDir(name string) {
	s.skipDirs[name] = struct{}{}
}

// ScanRepo scans every regular file below root. Unreadable files are counted
// as skipped rather than failing the scan.
func (s *Scanner) ScanRepo(ctx context.Context, root string) (*Report, error) {
	report := &Report{Root: root, Findings: []Finding{}}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			report.FilesSkipped++
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if _, skip := s.skipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.skipFile(path) {
			report.FilesSkipped++
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		findings, scanErr := s.scanFile(path, filepath.ToSlash(rel))
		if scanErr != nil {
			report.FilesSkipped++
			return nil
		}
		report.FilesScanned++
		report.Findings = append(report.Findings, findings...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		a, b := report.Findings[i], report.Findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
	return report, nil
}

// ScanText checks a blob of text, such as a request or a diff, and reports
// findings against the given label.
func (s *Scanner) ScanText(label, text string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(text, "\n") {
		findings = append(findings, s.scanLine(label, i+1, line)...)
	}
	return findings
}

func (s *Scanner) scanFile(path, label string) ([]Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil, fmt.Errorf("binary file")
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	var findings []Finding
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxScanFileSize)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		findings = append(findings, s.scanLine(label, lineNum, sc.Text())...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return findings, nil
}

func (s *Scanner) scanLine(label string, lineNum int, line string) []Finding {
	var findings []Finding
	for _, d := range s.detectors {
		if !d.pattern.MatchString(line) {
			continue
		}
		findings = append(findings, Finding{
			Kind:        d.kind,
			File:        label,
			Line:        lineNum,
			Excerpt:     excerpt(line),
			Severity:    d.severity,
			Description: d.description,
		})
	}
	return findings
}

func (s *Scanner) skipFile(path string) bool {
	for _, re := range s.skipFileRes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// excerpt keeps only the edges of a matching line.
func excerpt(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= 20 {
		return Redacted
	}
	return line[:6] + Redacted + line[len(line)-4:]
}

// Summary renders a report as the plain-text result of the security task.
func Summary(r *Report) string {
	if len(r.Findings) == 0 {
		return fmt.Sprintf("No secrets detected (%d files scanned)", r.FilesScanned)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d potential secret(s) in %d files scanned\n", len(r.Findings), r.FilesScanned)
	for _, sev := range severityOrder {
		count := r.Count(sev)
		if count == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d)\n", strings.ToUpper(string(sev)), count)
		for _, f := range r.Findings {
			if f.Severity != sev {
				continue
			}
			fmt.Fprintf(&b, "  - %s at %s:%d (%s)\n", f.Description, f.File, f.Line, f.Excerpt)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
