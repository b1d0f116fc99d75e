package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

// stepClock hands out strictly increasing timestamps so ordering
// assertions are deterministic.
func stepClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func testStore() *InMemory {
	s := NewInMemory()
	s.now = stepClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return s
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	id, err := store.Create(ctx, nil, api.JobKindSync, "primary", json.RawMessage(`{"group":"external"}`))
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.State != api.JobStateQueued {
		t.Errorf("expected fresh job to be queued, got %s", job.State)
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("expected enqueued_at to be set")
	}
	if job.StartedAt != nil || job.FinishedAt != nil {
		t.Error("expected started_at and finished_at to be unset on a queued job")
	}

	claimed, err := store.Claim(ctx, id, "worker-0")
	if err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}
	if !claimed {
		t.Fatal("expected to claim a queued job")
	}
	claimed, err = store.Claim(ctx, id, "worker-1")
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if claimed {
		t.Error("expected the second claim to lose")
	}

	job, err = store.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.State != api.JobStateRunning {
		t.Errorf("expected running, got %s", job.State)
	}
	if job.Owner != "worker-0" {
		t.Errorf("expected owner worker-0, got %q", job.Owner)
	}
	if job.StartedAt == nil || !job.StartedAt.After(job.EnqueuedAt) {
		t.Error("expected started_at to be set after enqueued_at")
	}

	if err := store.MarkTerminal(ctx, id, api.JobStateSucceeded, nil); err != nil {
		t.Fatalf("failed to finish job: %v", err)
	}
	job, err = store.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.State != api.JobStateSucceeded {
		t.Errorf("expected succeeded, got %s", job.State)
	}
	if job.FinishedAt == nil || !job.FinishedAt.After(*job.StartedAt) {
		t.Error("expected finished_at to be set after started_at")
	}

	// Identical terminal mark is a no-op, a different one is refused.
	if err := store.MarkTerminal(ctx, id, api.JobStateSucceeded, nil); err != nil {
		t.Errorf("expected marking succeeded twice to be a no-op, got: %v", err)
	}
	err = store.MarkTerminal(ctx, id, api.JobStateFailed, nil)
	if err == nil {
		t.Error("expected conflicting terminal mark to fail")
	} else if !strings.Contains(err.Error(), "already succeeded") {
		t.Errorf("expected conflict error to name the current state, got: %v", err)
	}

	claimed, err = store.Claim(ctx, id, "worker-2")
	if err != nil || claimed {
		t.Errorf("expected claiming a finished job to lose, got claimed=%t err=%v", claimed, err)
	}
}

func TestClaimUnknownJob(t *testing.T) {
	_, err := testStore().Claim(context.Background(), 42, "worker-0")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkTerminalRejectsNonTerminalStates(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	id, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := store.MarkTerminal(ctx, id, api.JobStateRunning, nil); err == nil {
		t.Error("expected marking a job running via MarkTerminal to fail")
	}
}

func TestQueuedJobCanBeSkippedDirectly(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	id, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	jobErr := api.NewJobError("skipped_duplicate", nil)
	if err := store.MarkTerminal(ctx, id, api.JobStateSkipped, jobErr); err != nil {
		t.Fatalf("failed to skip queued job: %v", err)
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.State != api.JobStateSkipped {
		t.Errorf("expected skipped, got %s", job.State)
	}
	if job.StartedAt != nil {
		t.Error("expected a skipped job to never have started")
	}
	if job.Error == nil || job.Error.Msg != "skipped_duplicate" {
		t.Errorf("expected the skip reason to be recorded, got %+v", job.Error)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	syncPrimary, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	snapPrimary, err := store.Create(ctx, nil, api.JobKindSnapshot, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	syncSecondary, err := store.Create(ctx, nil, api.JobKindSync, "secondary-1", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	child, err := store.Create(ctx, &snapPrimary, api.JobKindPublish, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if _, err := store.Claim(ctx, syncSecondary, "worker-0"); err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}

	ids := func(jobs []api.Job) []int64 {
		var out []int64
		for _, job := range jobs {
			out = append(out, job.ID)
		}
		return out
	}

	testCases := []struct {
		name     string
		filter   Filter
		expected []int64
	}{
		{
			name:     "no filter returns everything newest first",
			filter:   Filter{},
			expected: []int64{child, syncSecondary, snapPrimary, syncPrimary},
		},
		{
			name:     "by server",
			filter:   Filter{Server: "primary"},
			expected: []int64{child, snapPrimary, syncPrimary},
		},
		{
			name:     "by kind",
			filter:   Filter{Kind: api.JobKindSync},
			expected: []int64{syncSecondary, syncPrimary},
		},
		{
			name:     "by state",
			filter:   Filter{State: api.JobStateRunning},
			expected: []int64{syncSecondary},
		},
		{
			name:     "by parent",
			filter:   Filter{ParentID: &snapPrimary},
			expected: []int64{child},
		},
		{
			name:     "limit and offset",
			filter:   Filter{Limit: 2, Offset: 1},
			expected: []int64{syncSecondary, snapPrimary},
		},
		{
			name:     "offset past the end",
			filter:   Filter{Offset: 10},
			expected: nil,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			jobs, err := store.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("failed to list jobs: %v", err)
			}
			if diff := cmp.Diff(tc.expected, ids(jobs)); diff != "" {
				t.Errorf("unexpected jobs: %s", diff)
			}
		})
	}
}

func TestListActive(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	queued, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	running, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	finished, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if _, err := store.Claim(ctx, running, "worker-0"); err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}
	if _, err := store.Claim(ctx, finished, "worker-0"); err != nil {
		t.Fatalf("failed to claim job: %v", err)
	}
	if err := store.MarkTerminal(ctx, finished, api.JobStateSucceeded, nil); err != nil {
		t.Fatalf("failed to finish job: %v", err)
	}
	if _, err := store.Create(ctx, nil, api.JobKindSnapshot, "primary", nil); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if _, err := store.Create(ctx, nil, api.JobKindSync, "secondary-1", nil); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	active, err := store.ListActive(ctx, "primary", api.JobKindSync)
	if err != nil {
		t.Fatalf("failed to list active jobs: %v", err)
	}
	var ids []int64
	for _, job := range active {
		ids = append(ids, job.ID)
	}
	if diff := cmp.Diff([]int64{queued, running}, ids); diff != "" {
		t.Errorf("unexpected active jobs: %s", diff)
	}
}

func TestRecoverAbandoned(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	mkRunning := func(owner string) int64 {
		id, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
		if err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if _, err := store.Claim(ctx, id, owner); err != nil {
			t.Fatalf("failed to claim job: %v", err)
		}
		return id
	}
	first := mkRunning("worker-a")
	second := mkRunning("worker-a")
	other := mkRunning("worker-b")
	queued, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	recovered, err := store.RecoverAbandoned(ctx, "worker-a")
	if err != nil {
		t.Fatalf("failed to recover jobs: %v", err)
	}
	if recovered != 2 {
		t.Errorf("expected to recover 2 jobs, got %d", recovered)
	}
	for _, id := range []int64{first, second} {
		job, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("failed to get job: %v", err)
		}
		if job.State != api.JobStateFailed {
			t.Errorf("job %d: expected failed, got %s", id, job.State)
		}
		if job.Error == nil || job.Error.Msg != WorkerCrashedMsg {
			t.Errorf("job %d: expected %s error, got %+v", id, WorkerCrashedMsg, job.Error)
		}
	}
	job, err := store.Get(ctx, other)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.State != api.JobStateRunning {
		t.Errorf("expected another owner's job to stay running, got %s", job.State)
	}
	job, err = store.Get(ctx, queued)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.State != api.JobStateQueued {
		t.Errorf("expected queued job to stay queued, got %s", job.State)
	}

	// The empty owner sweeps everything that is still running.
	recovered, err = store.RecoverAbandoned(ctx, "")
	if err != nil {
		t.Fatalf("failed to recover jobs: %v", err)
	}
	if recovered != 1 {
		t.Errorf("expected to recover 1 job, got %d", recovered)
	}
}

func TestRepoResults(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	if err := store.RecordRepoResult(ctx, api.RepoTaskResult{JobID: 42, RepoName: "ubuntu-jammy"}); err == nil {
		t.Error("expected recording a result for an unknown job to fail")
	}

	id, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	base := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	for i, repo := range []string{"ubuntu-jammy", "epel-9", "pypi-mirror"} {
		result := api.RepoTaskResult{
			JobID:      id,
			RepoName:   repo,
			State:      api.RepoResultCompleted,
			TaskHref:   "/pulp/api/v3/tasks/" + repo + "/",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i+1) * time.Minute),
		}
		if err := store.RecordRepoResult(ctx, result); err != nil {
			t.Fatalf("failed to record result: %v", err)
		}
	}

	results, err := store.RepoResults(ctx, id)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	var names []string
	for _, result := range results {
		names = append(names, result.RepoName)
	}
	if diff := cmp.Diff([]string{"ubuntu-jammy", "epel-9", "pypi-mirror"}, names); diff != "" {
		t.Errorf("unexpected result order: %s", diff)
	}
}

func TestRecentRepoResults(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	base := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)

	record := func(server string, kind api.JobKind, state api.RepoResultState, finished time.Time) {
		id, err := store.Create(ctx, nil, kind, server, nil)
		if err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		result := api.RepoTaskResult{
			JobID:      id,
			RepoName:   "ubuntu-jammy",
			State:      state,
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: finished,
		}
		if err := store.RecordRepoResult(ctx, result); err != nil {
			t.Fatalf("failed to record result: %v", err)
		}
	}

	record("primary", api.JobKindSync, api.RepoResultCompleted, base)
	record("primary", api.JobKindSync, api.RepoResultFailed, base.Add(time.Hour))
	record("primary", api.JobKindSync, api.RepoResultFailed, base.Add(2*time.Hour))
	// Results of other servers and non-sync jobs stay out of the rollup.
	record("secondary-1", api.JobKindSync, api.RepoResultCompleted, base.Add(3*time.Hour))
	record("primary", api.JobKindSnapshot, api.RepoResultCompleted, base.Add(4*time.Hour))

	results, err := store.RecentRepoResults(ctx, "primary", "ubuntu-jammy", 2)
	if err != nil {
		t.Fatalf("failed to list recent results: %v", err)
	}
	var states []api.RepoResultState
	for _, result := range results {
		states = append(states, result.State)
	}
	if diff := cmp.Diff([]api.RepoResultState{api.RepoResultFailed, api.RepoResultFailed}, states); diff != "" {
		t.Errorf("unexpected recent results: %s", diff)
	}
}

func TestStages(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	id, err := store.Create(ctx, nil, api.JobKindSnapshot, "primary", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	for _, name := range []string{"publish", "sign", "distribute"} {
		if err := store.RecordStage(ctx, api.JobStage{JobID: id, Name: name}); err != nil {
			t.Fatalf("failed to record stage %s: %v", name, err)
		}
	}
	stages, err := store.Stages(ctx, id)
	if err != nil {
		t.Fatalf("failed to list stages: %v", err)
	}
	var names []string
	for _, stage := range stages {
		names = append(names, stage.Name)
		if stage.CreatedAt.IsZero() {
			t.Errorf("stage %s: expected created_at to be set", stage.Name)
		}
	}
	if diff := cmp.Diff([]string{"publish", "sign", "distribute"}, names); diff != "" {
		t.Errorf("unexpected stage order: %s", diff)
	}
}

func TestSyncHealth(t *testing.T) {
	ctx := context.Background()
	store := testStore()
	base := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)

	for _, health := range []api.SyncHealth{
		{Server: "primary", RepoName: "ubuntu-jammy", Status: api.HealthGreen, CheckedAt: base},
		{Server: "primary", RepoName: "epel-9", Status: api.HealthAmber, CheckedAt: base},
		{Server: "secondary-1", RepoName: "ubuntu-jammy", Status: api.HealthRed, CheckedAt: base},
		// Second write for the same pair replaces the row.
		{Server: "primary", RepoName: "ubuntu-jammy", Status: api.HealthRed, CheckedAt: base.Add(time.Hour)},
	} {
		if err := store.UpsertSyncHealth(ctx, health); err != nil {
			t.Fatalf("failed to upsert health: %v", err)
		}
	}

	health, err := store.SyncHealthForServer(ctx, "primary")
	if err != nil {
		t.Fatalf("failed to list health: %v", err)
	}
	expected := []api.SyncHealth{
		{Server: "primary", RepoName: "epel-9", Status: api.HealthAmber, CheckedAt: base},
		{Server: "primary", RepoName: "ubuntu-jammy", Status: api.HealthRed, CheckedAt: base.Add(time.Hour)},
	}
	if diff := cmp.Diff(expected, health); diff != "" {
		t.Errorf("unexpected health rows: %s", diff)
	}
}

func TestCatalogUpsertAndDeactivate(t *testing.T) {
	ctx := context.Background()
	store := testStore()

	for _, server := range []api.PulpServer{
		{Name: "primary", BaseURL: "https://pulp-primary.example.com", CredentialsRef: "pulp-primary"},
		{Name: "secondary-1", BaseURL: "https://pulp-s1.example.com", CredentialsRef: "pulp-secondary"},
	} {
		if err := store.UpsertServer(ctx, server); err != nil {
			t.Fatalf("failed to upsert server: %v", err)
		}
	}
	if err := store.UpsertRepoGroup(ctx, api.RepoGroup{Name: "external", RegexInclude: "^ext-"}); err != nil {
		t.Fatalf("failed to upsert group: %v", err)
	}
	if err := store.UpsertBinding(ctx, api.ServerRepoGroup{Server: "primary", Group: "external", Schedule: "0 2 * * *"}); err != nil {
		t.Fatalf("failed to upsert binding: %v", err)
	}

	// A reload without secondary-1 deactivates but keeps the row.
	if err := store.DeactivateMissing(ctx, []string{"primary"}, []string{"external"}, [][2]string{{"primary", "external"}}); err != nil {
		t.Fatalf("failed to deactivate: %v", err)
	}
	servers, err := store.Servers(ctx)
	if err != nil {
		t.Fatalf("failed to list servers: %v", err)
	}
	active := map[string]bool{}
	for _, server := range servers {
		active[server.Name] = server.Active
	}
	if diff := cmp.Diff(map[string]bool{"primary": true, "secondary-1": false}, active); diff != "" {
		t.Errorf("unexpected server active flags: %s", diff)
	}

	// Re-adding flips it back.
	if err := store.UpsertServer(ctx, api.PulpServer{Name: "secondary-1", BaseURL: "https://pulp-s1.example.com", CredentialsRef: "pulp-secondary"}); err != nil {
		t.Fatalf("failed to upsert server: %v", err)
	}
	servers, err = store.Servers(ctx)
	if err != nil {
		t.Fatalf("failed to list servers: %v", err)
	}
	for _, server := range servers {
		if !server.Active {
			t.Errorf("expected %s to be active again", server.Name)
		}
	}
}
