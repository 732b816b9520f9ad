// Package repoinfo summarizes a repository checkout for plan generation.
package repoinfo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/felixgeelhaar/legacyguard/internal/domain"
)

// DefaultMaxFiles bounds how many files an inspection walks.
const DefaultMaxFiles = 20000

var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	".legacyguard": {},
}

var extLanguages = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rb":    "ruby",
	".java":  "java",
	".kt":    "kotlin",
	".rs":    "rust",
	".php":   "php",
	".cs":    "csharp",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cob":   "cobol",
	".cbl":   "cobol",
	".pl":    "perl",
	".scala": "scala",
	".swift": "swift",
}

var errFileLimit = errors.New("file limit reached")

// Options tune an inspection.
type Options struct {
	// MaxFiles stops the walk early. Defaults to DefaultMaxFiles.
	MaxFiles int
	// SkipStatus avoids the worktree status scan used for Dirty.
	SkipStatus bool
}

// Inspect examines the checkout at path. Git metadata is filled in when path is
// inside a repository; a plain directory still yields file and language counts.
func Inspect(ctx context.Context, path string, opts Options) (*domain.RepoInfo, error) {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	info := &domain.RepoInfo{Path: abs, Languages: []string{}}

	files, langs, err := walk(ctx, abs, opts.MaxFiles)
	if err != nil {
		return nil, err
	}
	info.Files = files
	info.Languages = rankLanguages(langs)

	inspectGit(abs, info, opts.SkipStatus)
	return info, nil
}

func walk(ctx context.Context, root string, maxFiles int) (int, map[string]int, error) {
	files := 0
	langs := make(map[string]int)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		files++
		if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
			langs[lang]++
		}
		if files >= maxFiles {
			return errFileLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFileLimit) {
		return 0, nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, langs, nil
}

// rankLanguages orders languages by file count, then name.
func rankLanguages(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for lang := range counts {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// inspectGit fills in git metadata. A missing or unreadable repository leaves
// the fields empty.
func inspectGit(path string, info *domain.RepoInfo, skipStatus bool) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return
	}

	if head, err := repo.Head(); err == nil {
		info.Head = head.Hash().String()
		if head.Name().IsBranch() {
			info.Branch = head.Name().Short()
		}
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.Remote = redactURL(urls[0])
		}
	}

	if skipStatus {
		return
	}
	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			info.Dirty = !status.IsClean()
		}
	}
}

// redactURL drops credentials embedded in a remote URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	host := rest
	if slash := strings.Index(rest, "/"); slash >= 0 {
		host = rest[:slash]
	}
	if at := strings.LastIndex(host, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
