package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// ExportFormat names the compliance framework an evidence bundle is labeled for.
type ExportFormat string

const (
	FormatSOC2 ExportFormat = "soc2"
	FormatISO  ExportFormat = "iso"
)

// Export limits.
const (
	DefaultExportLimit = 150
	MaxExportLimit     = 1000
)

// ParseExportFormat accepts "", "soc2" and "iso".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", FormatSOC2:
		return FormatSOC2, nil
	case FormatISO:
		return FormatISO, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want soc2 or iso)", s)
	}
}

// ExportRequest selects what goes into a bundle.
type ExportRequest struct {
	Format ExportFormat
	Scope  string
	Filter Filter
}

// Bundle is an evidence export: the matching entries oldest first, the ids of
// entries whose integrity digest no longer matches, and a digest over the whole
// bundle.
type Bundle struct {
	Format      ExportFormat `json:"format"`
	Scope       string       `json:"scope"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Entries     []Entry      `json:"entries"`
	Tampered    []string     `json:"tampered,omitempty"`
	Digest      string       `json:"digest"`
}

// Export reads entries from q and assembles a bundle.
func Export(ctx context.Context, q Querier, req ExportRequest, now time.Time) (*Bundle, error) {
	if req.Format == "" {
		req.Format = FormatSOC2
	}
	if req.Scope == "" {
		req.Scope = "legacyguard"
	}
	switch {
	case req.Filter.Limit <= 0:
		req.Filter.Limit = DefaultExportLimit
	case req.Filter.Limit > MaxExportLimit:
		req.Filter.Limit = MaxExportLimit
	}

	entries, err := q.Query(ctx, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	b := &Bundle{
		Format:      req.Format,
		Scope:       req.Scope,
		GeneratedAt: now.UTC(),
		Entries:     entries,
	}
	for _, e := range entries {
		if !Verify(e) {
			b.Tampered = append(b.Tampered, e.ID)
		}
	}
	b.Digest, err = bundleDigest(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// VerifyBundle recomputes the bundle digest.
func VerifyBundle(b *Bundle) bool {
	sum, err := bundleDigest(b)
	return err == nil && sum == b.Digest
}

func bundleDigest(b *Bundle) (string, error) {
	unsigned := *b
	unsigned.Digest = ""
	payload, err := json.Marshal(unsigned)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
