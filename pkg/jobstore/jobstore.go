// Package jobstore is the durable record of jobs, their per-repo outcomes
// and the catalog rows the scheduler runs from. The claim pattern lives
// here: Claim is the only queued->running edge and the store, not the queue,
// enforces at-most-one active run.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

// ErrNotFound is returned for operations against a job id that does not
// exist.
var ErrNotFound = errors.New("job not found")

// WorkerCrashedMsg is the error message recorded on jobs abandoned by a
// crashed worker.
const WorkerCrashedMsg = "worker_crashed"

// Filter narrows List. Zero values match everything.
type Filter struct {
	Server string
	Kind   api.JobKind
	State  api.JobState
	// ParentID filters on the job tree when non-nil.
	ParentID *int64
	Limit    int
	Offset   int
}

// Store is the job store contract. All writes are durable before they
// return; the worker relies on that ordering before it makes Pulp calls
// that depend on the new state.
type Store interface {
	// Create inserts a job in state queued and returns its id.
	Create(ctx context.Context, parentID *int64, kind api.JobKind, server string, params json.RawMessage) (int64, error)
	// Claim moves a job queued->running and stamps the owner. It returns
	// false when the job is in any other state, which callers use to
	// enforce single-run semantics.
	Claim(ctx context.Context, jobID int64, owner string) (bool, error)
	// MarkTerminal finishes a job. Marking an already-terminal job with the
	// identical state is a no-op, with a different state an error.
	MarkTerminal(ctx context.Context, jobID int64, state api.JobState, jobErr *api.JobError) error
	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, jobID int64) (*api.Job, error)
	// List returns jobs matching filter, newest first.
	List(ctx context.Context, filter Filter) ([]api.Job, error)
	// ListActive returns queued and running jobs for a (server, kind) pair.
	ListActive(ctx context.Context, server string, kind api.JobKind) ([]api.Job, error)
	// RecoverAbandoned fails every running job held by owner, or every
	// running job when owner is empty. Used at worker startup.
	RecoverAbandoned(ctx context.Context, owner string) (int, error)

	// RecordRepoResult appends one terminal per-repo outcome.
	RecordRepoResult(ctx context.Context, result api.RepoTaskResult) error
	// RepoResults returns the recorded outcomes of one job in record order.
	RepoResults(ctx context.Context, jobID int64) ([]api.RepoTaskResult, error)
	// RecentRepoResults returns the last limit sync outcomes for a
	// (server, repo) pair, newest first. Feeds the health rollup.
	RecentRepoResults(ctx context.Context, server, repoName string, limit int) ([]api.RepoTaskResult, error)

	// RecordStage appends one entry to a job's progress trail.
	RecordStage(ctx context.Context, stage api.JobStage) error
	// Stages returns a job's progress trail in record order.
	Stages(ctx context.Context, jobID int64) ([]api.JobStage, error)

	// UpsertSyncHealth stores the health rollup for a (server, repo) pair.
	UpsertSyncHealth(ctx context.Context, health api.SyncHealth) error
	// SyncHealthForServer returns the health rows of one server.
	SyncHealthForServer(ctx context.Context, server string) ([]api.SyncHealth, error)

	// Catalog upserts, keyed by natural name. Reload marks rows missing
	// from the new config inactive instead of deleting them so old jobs
	// stay attributable.
	UpsertServer(ctx context.Context, server api.PulpServer) error
	UpsertRepoGroup(ctx context.Context, group api.RepoGroup) error
	UpsertBinding(ctx context.Context, binding api.ServerRepoGroup) error
	DeactivateMissing(ctx context.Context, servers, groups []string, bindings [][2]string) error
	// Servers returns the catalog servers, active and inactive, sorted by
	// name. Inactive rows are kept so old jobs stay attributable in the UI.
	Servers(ctx context.Context) ([]api.PulpServer, error)

	// ReplaceServerRepos swaps one server's repository inventory wholesale.
	// Pulp is authoritative for this data, the stored rows are a mirror of
	// the last reconcile's reads.
	ReplaceServerRepos(ctx context.Context, server string, repos []api.PulpServerRepo) error
	// ServerRepos returns the last recorded inventory of one server, sorted
	// by repository name.
	ServerRepos(ctx context.Context, server string) ([]api.PulpServerRepo, error)
}

// terminalConflictError distinguishes an illegal double-finish from plain
// not-found so the worker can log it loudly.
func terminalConflictError(jobID int64, current, wanted api.JobState) error {
	return fmt.Errorf("job %d is already %s, refusing to mark it %s", jobID, current, wanted)
}

func validateTerminal(state api.JobState) error {
	if !state.Terminal() {
		return fmt.Errorf("state %q is not terminal", state)
	}
	return nil
}
