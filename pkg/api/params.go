package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SyncParams drives a sync job: which repos to target, how many Pulp syncs
// may be in flight at once, and the wall-clock budget for the whole batch.
type SyncParams struct {
	RegexInclude       string   `json:"regex_include,omitempty"`
	RegexExclude       string   `json:"regex_exclude,omitempty"`
	MaxConcurrentSyncs int      `json:"max_concurrent_syncs"`
	MaxRuntime         Duration `json:"max_runtime"`
	// SourcePulpServer, when set, restricts targets to repos that also
	// exist on the named server (the sync source in a primary/secondary
	// topology).
	SourcePulpServer string `json:"source_pulp_server_name,omitempty"`
}

// Validate rejects parameter combinations the engine refuses to run.
func (p *SyncParams) Validate() error {
	if p.MaxConcurrentSyncs <= 0 {
		return fmt.Errorf("max_concurrent_syncs must be greater than 0, got %d", p.MaxConcurrentSyncs)
	}
	if p.MaxRuntime.Duration <= 0 {
		return fmt.Errorf("max_runtime must be positive")
	}
	return nil
}

// SnapshotParams drives a snapshot job. Prefix names the resulting
// distributions and must begin with "snap" so snapshot distributions remain
// distinguishable from live ones.
type SnapshotParams struct {
	Prefix       string `json:"prefix,omitempty"`
	RegexInclude string `json:"regex_include,omitempty"`
	RegexExclude string `json:"regex_exclude,omitempty"`
	// MaxConcurrentSnapshots caps how many repositories are snapshotted at
	// once; it comes from the server's fleet config, not from callers.
	MaxConcurrentSnapshots int `json:"max_concurrent_snapshots"`
	// AllowReuse reuses an existing publication when the repository
	// content has not changed since it was rendered, instead of publishing
	// again.
	AllowReuse bool `json:"allow_snapshot_reuse,omitempty"`
}

// Validate rejects parameter combinations the engine refuses to run.
func (p *SnapshotParams) Validate() error {
	if p.MaxConcurrentSnapshots <= 0 {
		return fmt.Errorf("max_concurrent_snapshots must be greater than 0, got %d", p.MaxConcurrentSnapshots)
	}
	return nil
}

// NormalizedPrefix returns the distribution name prefix for the run. A
// prefix that does not already start with "snap" gets "snap-" prepended so
// snapshot serving paths stay recognizable; an empty prefix means plain
// "snap".
func (p *SnapshotParams) NormalizedPrefix() string {
	switch {
	case p.Prefix == "":
		return "snap"
	case !strings.HasPrefix(p.Prefix, "snap"):
		return "snap-" + p.Prefix
	default:
		return p.Prefix
	}
}

// ReconcileParams drives a reconcile job against the declarative catalog.
type ReconcileParams struct {
	// DryRun logs the operations that would converge state without
	// issuing any mutating Pulp call.
	DryRun bool `json:"dry_run,omitempty"`
}

// RegistrationParams drives a repo_config_registration job. With Source
// unset the job registers the git-hosted catalog onto the server; with
// Source set it mirrors the named server's repositories instead.
type RegistrationParams struct {
	Source string `json:"source,omitempty"`
	// RegexInclude / RegexExclude filter canonical repository names for
	// partial registration runs; exclude wins when both match.
	RegexInclude string `json:"regex_include,omitempty"`
	RegexExclude string `json:"regex_exclude,omitempty"`
	// MaxRuntime optionally bounds the run, scheduled registrations carry
	// the fleet config's budget here.
	MaxRuntime *Duration `json:"max_runtime,omitempty"`
}

// EncodeParams serializes a params struct for storage on a job row.
func EncodeParams(p interface{}) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job params: %w", err)
	}
	return b, nil
}

// DecodeParams deserializes a job row's params blob into the kind-specific
// struct.
func DecodeParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode job params: %w", err)
	}
	return nil
}
