package sandbox

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// ImagePolicy restricts which container images a run may use.
// An empty allowlist permits every well-formed reference.
type ImagePolicy struct {
	allowlist []string
}

// NewImagePolicy creates a policy. Patterns match exactly, or by prefix when they
// end in "*". Patterns without a wildcard also match any equivalent reference
// ("node:20-alpine" matches "docker.io/library/node:20-alpine").
func NewImagePolicy(allowlist []string) *ImagePolicy {
	var clean []string
	for _, p := range allowlist {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	return &ImagePolicy{allowlist: clean}
}

// Check returns SANDBOX-002 when image is malformed or not allowed.
func (p *ImagePolicy) Check(image string) error {
	ref, err := name.ParseReference(image)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSandboxImageDenied, "invalid image reference "+image, err)
	}
	if p == nil || len(p.allowlist) == 0 {
		return nil
	}

	for _, pattern := range p.allowlist {
		if matchesImagePattern(image, pattern) || matchesImagePattern(ref.Name(), pattern) {
			return nil
		}
		if !strings.HasSuffix(pattern, "*") {
			if pref, err := name.ParseReference(pattern); err == nil && pref.Name() == ref.Name() {
				return nil
			}
		}
	}
	return errors.NewImageDeniedError(image)
}

// matchesImagePattern checks if an image matches a pattern
// Supports exact match and wildcard patterns
func matchesImagePattern(image, pattern string) bool {
	if image == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(image, prefix)
	}

	return false
}
