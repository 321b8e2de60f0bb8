package nuwax

import (
	"encoding/json"
	"time"
)

// CheckReport is the result of checking a manifest against the running
// installation without applying anything.
type CheckReport struct {
	// Current is the version the installation runs
	Current string `json:"current"`

	// Available is the version the manifest announces
	Available string `json:"available"`

	// Strategy is "none", "full" or "patch"
	Strategy string `json:"strategy"`

	// DownloadURL is the artifact the strategy would fetch (empty for "none")
	DownloadURL string `json:"download_url,omitempty"`

	// ReleaseNotes are copied from the manifest
	ReleaseNotes string `json:"release_notes,omitempty"`

	// ReleaseDate is the manifest release date, if declared
	ReleaseDate time.Time `json:"release_date,omitempty"`
}

// ApplyReport describes one completed upgrade attempt.
type ApplyReport struct {
	// AttemptID identifies the attempt in the local store
	AttemptID string `json:"attempt_id"`

	// From is the version before the attempt
	From string `json:"from"`

	// To is the version after the attempt
	To string `json:"to"`

	// Strategy is "none", "full" or "patch"
	Strategy string `json:"strategy"`

	// Applied is false when there was nothing to do
	Applied bool `json:"applied"`

	// DiffFile is where the generated migration script was written, if any
	DiffFile string `json:"diff_file,omitempty"`

	// DiffDescription summarizes the schema changes
	DiffDescription string `json:"diff_description,omitempty"`

	// Statements is the number of migration statements executed
	Statements int `json:"statements"`

	// Duration is the wall clock time of the attempt
	Duration time.Duration `json:"duration"`
}

// Marshal encodes the report as JSON.
func (r *CheckReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a JSON report.
func (r *CheckReport) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Marshal encodes the report as JSON.
func (r *ApplyReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a JSON report.
func (r *ApplyReport) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}
