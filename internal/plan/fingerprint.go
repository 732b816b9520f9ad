package plan

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// fingerprintView is the part of a plan that approval binds to. Ids, summaries and
// time estimates are excluded so that regenerating identical work yields the same hash.
type fingerprintView struct {
	Subtasks         []SubTask `json:"subtasks"`
	RiskLevel        string    `json:"riskLevel"`
	RequiresApproval bool      `json:"requiresApproval"`
}

// ComputeFingerprint returns the BLAKE3 hex digest of the plan's executable content.
func ComputeFingerprint(p *Plan) string {
	view := fingerprintView{
		Subtasks:         p.Subtasks,
		RiskLevel:        string(p.RiskLevel),
		RequiresApproval: p.RequiresApproval,
	}
	// SubTask only holds strings, ints and string slices, so Marshal cannot fail.
	data, _ := json.Marshal(view)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
