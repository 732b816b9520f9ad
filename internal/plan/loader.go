package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// LoadPlan reads a plan written by SavePlan. A recorded fingerprint must still
// match the subtasks on disk, so a plan edited after review is refused with
// PLAN-002. Files without a fingerprint are accepted as hand-written plans.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var p Plan
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return nil, errors.NewPlanParseError(fmt.Errorf("decode %s: %w", path, err))
	}

	if p.Fingerprint != "" {
		if sum := ComputeFingerprint(&p); sum != p.Fingerprint {
			return nil, errors.NewPlanInvalidError(fmt.Sprintf(
				"%s was modified after it was saved (fingerprint %s, content %s)",
				path, shortDigest(p.Fingerprint), shortDigest(sum)))
		}
	}

	Normalize(&p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePlan writes p as indented JSON, recording its fingerprint when unset.
func SavePlan(p *Plan, path string) error {
	out := *p
	if out.Fingerprint == "" {
		out.Fingerprint = ComputeFingerprint(&out)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write plan file: %w", err)
	}
	return nil
}

func shortDigest(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
