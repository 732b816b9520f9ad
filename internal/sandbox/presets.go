package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// npmPlaceholderTest is the test script npm init writes.
const npmPlaceholderTest = `echo "Error: no test specified" && exit 1`

// fallbackCommand runs when no command was given and none could be inferred.
const fallbackCommand = `echo "No test command found"`

// languagePresets lists known test invocations per language, preferred first.
var languagePresets = map[string][]string{
	"javascript": {"npm test", "yarn test", "pnpm test"},
	"typescript": {"npm test", "yarn test", "pnpm test"},
	"python":     {"pytest", "python -m pytest", "python -m unittest"},
	"go":         {"go test ./..."},
	"rust":       {"cargo test"},
	"java":       {"mvn test", "gradle test"},
	"ruby":       {"bundle exec rspec", "rake test"},
	"php":        {"vendor/bin/phpunit", "composer test"},
}

// languageImages maps languages to the container image used for them.
var languageImages = map[string]string{
	"javascript": "node:20-alpine",
	"typescript": "node:20-alpine",
	"python":     "python:3.11-slim",
	"go":         "golang:1.21-alpine",
	"rust":       "rust:1.75-slim",
	"java":       "maven:3.9-eclipse-temurin-21",
	"ruby":       "ruby:3.2-slim",
	"php":        "php:8.2-cli",
}

// DefaultImage is used when no language is detected.
const DefaultImage = "node:20-alpine"

// ImageFor returns the container image for a language.
func ImageFor(language string) string {
	if img, ok := languageImages[strings.ToLower(language)]; ok {
		return img
	}
	return DefaultImage
}

// ResolveCommand picks the test command for a repository. A non-placeholder
// package.json test script runs through the package manager its lockfile names;
// otherwise the language's first preset is used. It returns "" when the
// language is unknown.
func ResolveCommand(repoPath, languageHint string) string {
	lang := strings.ToLower(languageHint)
	if lang == "" {
		lang = DetectLanguage(repoPath)
	}
	presets, ok := languagePresets[lang]
	if !ok {
		return ""
	}

	if lang == "javascript" || lang == "typescript" {
		if script := packageTestScript(repoPath); script != "" && script != npmPlaceholderTest {
			return packageManager(repoPath) + " test"
		}
	}
	return presets[0]
}

func packageTestScript(repoPath string) string {
	data, err := os.ReadFile(filepath.Join(repoPath, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return strings.TrimSpace(pkg.Scripts["test"])
}

// packageManager infers npm, yarn or pnpm from the lockfile present.
func packageManager(repoPath string) string {
	switch {
	case fileExists(filepath.Join(repoPath, "pnpm-lock.yaml")):
		return "pnpm"
	case fileExists(filepath.Join(repoPath, "yarn.lock")):
		return "yarn"
	default:
		return "npm"
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
