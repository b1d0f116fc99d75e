// Package api defines the domain types shared by the orchestration engine:
// jobs and their lifecycle states, per-repo task results, catalog entities
// loaded from the fleet configuration, and the error taxonomy.
package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// JobState is the lifecycle state of a Job. Transitions are monotonic:
// queued -> running -> {succeeded, failed, canceled, timed_out}. A job that
// is suppressed before it ever runs (duplicate or conflicting work) moves
// queued -> skipped directly.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
	JobStateTimedOut  JobState = "timed_out"
	JobStateSkipped   JobState = "skipped"
)

// Terminal returns true once a job can no longer change state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut, JobStateSkipped:
		return true
	}
	return false
}

var jobStates = sets.New[JobState](
	JobStateQueued,
	JobStateRunning,
	JobStateSucceeded,
	JobStateFailed,
	JobStateCanceled,
	JobStateTimedOut,
	JobStateSkipped,
)

// ParseJobState validates a user-supplied state string.
func ParseJobState(s string) (JobState, error) {
	state := JobState(s)
	if !jobStates.Has(state) {
		known := make([]string, 0, jobStates.Len())
		for _, st := range sets.List(jobStates) {
			known = append(known, string(st))
		}
		return "", fmt.Errorf("unknown job state %q, must be one of %s", s, strings.Join(known, ", "))
	}
	return state, nil
}

// JobKind enumerates the closed set of operations the engine executes.
type JobKind string

const (
	JobKindSync                   JobKind = "sync"
	JobKindSnapshot               JobKind = "snapshot"
	JobKindPublish                JobKind = "publish"
	JobKindDistribute             JobKind = "distribute"
	JobKindReconcile              JobKind = "reconcile"
	JobKindRepoConfigRegistration JobKind = "repo_config_registration"
)

var jobKinds = sets.New[JobKind](
	JobKindSync,
	JobKindSnapshot,
	JobKindPublish,
	JobKindDistribute,
	JobKindReconcile,
	JobKindRepoConfigRegistration,
)

// ParseJobKind validates a user-supplied kind string.
func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(s)
	if !jobKinds.Has(k) {
		known := make([]string, 0, jobKinds.Len())
		for _, kind := range sets.List(jobKinds) {
			known = append(known, string(kind))
		}
		return "", fmt.Errorf("unknown job kind %q, must be one of %s", s, strings.Join(known, ", "))
	}
	return k, nil
}

// RepoKind is a Pulp content plugin type.
type RepoKind string

const (
	RepoKindDeb       RepoKind = "deb"
	RepoKindRPM       RepoKind = "rpm"
	RepoKindFile      RepoKind = "file"
	RepoKindPython    RepoKind = "python"
	RepoKindContainer RepoKind = "container"
)

// KnownRepoKinds is the set of plugin types the engine manages.
var KnownRepoKinds = sets.New[RepoKind](RepoKindDeb, RepoKindRPM, RepoKindFile, RepoKindPython, RepoKindContainer)

// JobError is the durable error payload attached to jobs, repo results and
// stages. Detail carries the upstream server response verbatim when one
// exists.
type JobError struct {
	Msg    string          `json:"msg"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// NewJobError builds an error payload from a message and an optional detail
// document. Detail values that do not marshal are dropped rather than
// failing the state transition being recorded.
func NewJobError(msg string, detail interface{}) *JobError {
	e := &JobError{Msg: msg}
	if detail == nil {
		return e
	}
	if raw, ok := detail.(json.RawMessage); ok {
		e.Detail = raw
		return e
	}
	if b, err := json.Marshal(detail); err == nil {
		e.Detail = b
	}
	return e
}

// Job is one durable unit of work against a single Pulp server.
type Job struct {
	ID         int64           `json:"id"`
	ParentID   *int64          `json:"parent_id,omitempty"`
	Kind       JobKind         `json:"kind"`
	Server     string          `json:"server"`
	State      JobState        `json:"state"`
	Owner      string          `json:"owner,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      *JobError       `json:"error,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// RepoResultState is the terminal outcome of a single repository within a
// job. Unlike jobs, repo results are only ever written in a terminal state.
type RepoResultState string

const (
	RepoResultCompleted       RepoResultState = "completed"
	RepoResultFailed          RepoResultState = "failed"
	RepoResultTimedOut        RepoResultState = "timed_out"
	RepoResultCanceled        RepoResultState = "canceled"
	RepoResultSkippedConflict RepoResultState = "skipped_conflict"
	RepoResultSkippedMissing  RepoResultState = "skipped_missing_on_source"
)

// RepoTaskResult records the outcome of one repository under a job.
type RepoTaskResult struct {
	ID         int64           `json:"id"`
	JobID      int64           `json:"job_id"`
	RepoName   string          `json:"repo_name"`
	State      RepoResultState `json:"state"`
	TaskHref   string          `json:"task_href,omitempty"`
	Error      *JobError       `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// JobStage is one entry of a job's append-only progress trail, e.g. the
// publish and distribute steps of a snapshot.
type JobStage struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	Name      string          `json:"name"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// HealthStatus is the sync-health rollup for one repository.
type HealthStatus string

const (
	HealthGreen HealthStatus = "green"
	HealthAmber HealthStatus = "amber"
	HealthRed   HealthStatus = "red"
)

// SyncHealth is the persisted health rollup for a (server, repo) pair.
type SyncHealth struct {
	Server    string       `json:"server"`
	RepoName  string       `json:"repo_name"`
	Status    HealthStatus `json:"status"`
	CheckedAt time.Time    `json:"checked_at"`
}

// PulpServer is a fleet catalog entry for one Pulp server.
type PulpServer struct {
	Name                   string `json:"name"`
	BaseURL                string `json:"base_url"`
	CredentialsRef         string `json:"credentials_ref"`
	SnapshotSupported      bool   `json:"snapshot_supported"`
	MaxConcurrentSnapshots int    `json:"max_concurrent_snapshots,omitempty"`
	Active                 bool   `json:"active"`
}

// RepoGroup is a named include/exclude regex pair over repository names.
type RepoGroup struct {
	Name         string `json:"name"`
	RegexInclude string `json:"regex_include,omitempty"`
	RegexExclude string `json:"regex_exclude,omitempty"`
	Active       bool   `json:"active"`
}

// ServerRepoGroup binds a repo group to a server with a schedule and
// runtime caps.
type ServerRepoGroup struct {
	Server            string   `json:"server"`
	Group             string   `json:"group"`
	Schedule          string   `json:"schedule"`
	MaxConcurrentSync int      `json:"max_concurrent_sync"`
	MaxRuntime        Duration `json:"max_runtime"`
	SourceServer      string   `json:"source_server,omitempty"`
	Active            bool     `json:"active"`
}

// PulpServerRepo is a repository as discovered on a live Pulp server.
type PulpServerRepo struct {
	Server     string   `json:"server"`
	Name       string   `json:"name"`
	Kind       RepoKind `json:"kind"`
	Href       string   `json:"href"`
	RemoteHref string   `json:"remote_href,omitempty"`
}

// Duration is a wall-clock duration that accepts the config file forms
// <N>s, <N>m, <N>h, <N>d, or a bare integer meaning seconds. It marshals
// back to canonical seconds so round trips are stable.
type Duration struct {
	time.Duration
}

// ParseDuration parses the accepted duration forms.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Duration{}, fmt.Errorf("duration must not be empty")
	}
	unit := time.Second
	digits := s
	switch s[len(s)-1] {
	case 's':
		digits = s[:len(s)-1]
	case 'm':
		unit = time.Minute
		digits = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		digits = s[:len(s)-1]
	case 'd':
		unit = 24 * time.Hour
		digits = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid duration %q: expected <N>[smhd] or integer seconds", s)
	}
	if n <= 0 {
		return Duration{}, fmt.Errorf("duration %q must be positive", s)
	}
	return Duration{time.Duration(n) * unit}, nil
}

// DurationFrom wraps a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration{d}
}

// Seconds returns the whole-second value used for storage.
func (d Duration) Seconds() int64 {
	return int64(d.Duration / time.Second)
}

func (d Duration) String() string {
	return fmt.Sprintf("%ds", d.Seconds())
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := ParseDuration(asString)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	var asInt int64
	if err := json.Unmarshal(data, &asInt); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %s", string(data))
	}
	if asInt <= 0 {
		return fmt.Errorf("duration %d must be positive", asInt)
	}
	d.Duration = time.Duration(asInt) * time.Second
	return nil
}
