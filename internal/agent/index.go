package agent

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	defaultIndexFiles   = 200
	maxIndexedFileBytes = 200 * 1024
	maxSymbolsPerFile   = 50
)

var indexedExts = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rb": true, ".java": true, ".rs": true, ".php": true,
}

var indexSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "target": true, ".legacyguard": true,
}

var symbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`func\s+(?:\([^)]*\)\s*)?([A-Za-z0-9_]+)`),
	regexp.MustCompile(`function\s+([A-Za-z0-9_]+)`),
	regexp.MustCompile(`class\s+([A-Za-z0-9_]+)`),
	regexp.MustCompile(`def\s+([A-Za-z0-9_]+)`),
	regexp.MustCompile(`const\s+([A-Za-z0-9_]+)\s*=\s*\(`),
	regexp.MustCompile(`type\s+([A-Za-z0-9_]+)\s+(?:struct|interface)`),
}

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`import\s+[^'"]+from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`(?m)^\s*(?:import\s+)?"([^"]+)"\s*$`),
	regexp.MustCompile(`(?m)^\s*from\s+([A-Za-z0-9_.]+)\s+import`),
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9_]+`)

// CodeNode is one indexed file.
type CodeNode struct {
	Path    string   `json:"path"`
	Symbols []string `json:"symbols"`
	imports []string
}

// CodeIndex is a lexical index over a repository's source files.
type CodeIndex struct {
	nodes    map[string]*CodeNode
	inverted map[string]map[string]struct{}
}

// BuildIndex reads up to maxFiles source files under root. Files over 200KiB
// are skipped.
func BuildIndex(ctx context.Context, root string, maxFiles int) (*CodeIndex, error) {
	if maxFiles <= 0 {
		maxFiles = defaultIndexFiles
	}
	idx := &CodeIndex{
		nodes:    make(map[string]*CodeNode),
		inverted: make(map[string]map[string]struct{}),
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if indexSkipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if len(idx.nodes) >= maxFiles {
			return filepath.SkipAll
		}
		if !indexedExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxIndexedFileBytes {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		idx.add(filepath.ToSlash(rel), string(content))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *CodeIndex) add(path, content string) {
	node := &CodeNode{Path: path, Symbols: extractSymbols(content)}
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			node.imports = append(node.imports, m[1])
		}
	}
	idx.nodes[path] = node

	// file names are searchable too
	keys := append([]string{}, node.Symbols...)
	keys = append(keys, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	for _, key := range keys {
		for _, tok := range tokenize(key) {
			set, ok := idx.inverted[tok]
			if !ok {
				set = make(map[string]struct{})
				idx.inverted[tok] = set
			}
			set[path] = struct{}{}
		}
	}
}

// Len is the number of indexed files.
func (idx *CodeIndex) Len() int { return len(idx.nodes) }

// Search ranks files by how many query tokens match their symbols or name.
// Ties are broken by path.
func (idx *CodeIndex) Search(query string, limit int) []CodeNode {
	scores := make(map[string]int)
	for _, tok := range tokenize(query) {
		for path := range idx.inverted[tok] {
			scores[path]++
		}
	}

	paths := make([]string, 0, len(scores))
	for p := range scores {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		if scores[paths[i]] != scores[paths[j]] {
			return scores[paths[i]] > scores[paths[j]]
		}
		return paths[i] < paths[j]
	})
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	out := make([]CodeNode, 0, len(paths))
	for _, p := range paths {
		out = append(out, *idx.nodes[p])
	}
	return out
}

// Dependents lists files whose imports resolve to target, sorted.
func (idx *CodeIndex) Dependents(target string) []string {
	stem := strings.TrimSuffix(target, filepath.Ext(target))
	dir := filepath.ToSlash(filepath.Dir(target))

	var out []string
	for path, node := range idx.nodes {
		if path == target {
			continue
		}
		for _, imp := range node.imports {
			if importMatches(path, imp, stem, dir) {
				out = append(out, path)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func importMatches(from, imp, stem, dir string) bool {
	if strings.HasPrefix(imp, "./") || strings.HasPrefix(imp, "../") {
		resolved := filepath.ToSlash(filepath.Join(filepath.Dir(from), imp))
		return resolved == stem || resolved == dir
	}
	imp = strings.ReplaceAll(imp, ".", "/")
	if dir != "." && (imp == dir || strings.HasSuffix(imp, "/"+dir)) {
		return true
	}
	return imp == stem || strings.HasSuffix(imp, "/"+stem)
}

func extractSymbols(content string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range symbolPatterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if _, dup := seen[m[1]]; dup {
				continue
			}
			seen[m[1]] = struct{}{}
			out = append(out, m[1])
			if len(out) == maxSymbolsPerFile {
				return out
			}
		}
	}
	return out
}

// tokenize lowercases s and splits camelCase and snake_case words.
func tokenize(s string) []string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	var out []string
	for _, part := range tokenSplit.Split(strings.ToLower(b.String()), -1) {
		for _, tok := range strings.Split(part, "_") {
			if len(tok) > 1 {
				out = append(out, tok)
			}
		}
	}
	return out
}
