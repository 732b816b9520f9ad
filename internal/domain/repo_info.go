package domain

// RepoInfo summarizes the repository a request targets. It is fed to plan
// generators as context and is never required.
type RepoInfo struct {
	Path      string   `json:"path,omitempty"`
	Files     int      `json:"files"`
	Languages []string `json:"languages"`
	Branch    string   `json:"branch,omitempty"`
	Head      string   `json:"head,omitempty"`
	Remote    string   `json:"remote,omitempty"`
	Dirty     bool     `json:"dirty,omitempty"`
}
