package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/config"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/queue"
)

const fleetYAML = `
pulp_servers:
  pulp-primary.example.com:
    credentials: svc-pulp
    repo_config_registration:
      schedule: "0 4 * * *"
      max_runtime: 2h
    repo_groups:
      external:
        schedule: "30 * * * *"
        max_concurrent_sync: 4
        max_runtime: 4h
      internal:
        schedule: "15 2 * * *"
        max_concurrent_sync: 2
        max_runtime: 1h
  pulp-secondary.example.com:
    credentials: svc-pulp
    repo_config_registration:
      schedule: "0 5 * * *"
      max_runtime: 2h
    repo_groups:
      external:
        schedule: "45 * * * *"
        max_concurrent_sync: 4
        max_runtime: 4h
        pulp_master: pulp-primary.example.com
credentials:
  svc-pulp:
    username: admin
    vault_service_account_mount: svc-pulp
repo_groups:
  external:
    regex_include: ^ext-
  internal:
    regex_include: ^int-
    regex_exclude: ^int-secret-
`

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, int64) error { return errors.New("redis is down") }
func (failingQueue) Dequeue(ctx context.Context) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (failingQueue) Len(context.Context) (int64, error) { return 0, nil }

func testCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	catalog, err := config.ParseFleet([]byte(fleetYAML))
	if err != nil {
		t.Fatalf("failed to parse the fleet config: %v", err)
	}
	return catalog
}

func listJobs(t *testing.T, store jobstore.Store) []api.Job {
	t.Helper()
	jobs, err := store.List(context.Background(), jobstore.Filter{})
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	return jobs
}

func registrationFor(t *testing.T, catalog *config.Catalog, server string) config.RegistrationBinding {
	t.Helper()
	for _, registration := range catalog.Registrations {
		if registration.Server == server {
			return registration
		}
	}
	t.Fatalf("no registration binding for %s", server)
	return config.RegistrationBinding{}
}

func TestApplyReplacesEntries(t *testing.T) {
	t.Parallel()
	s := New(jobstore.NewInMemory(), queue.NewInMemory())

	if err := s.Apply(testCatalog(t)); err != nil {
		t.Fatalf("expected the catalog to apply, got %v", err)
	}
	if got := len(s.entries); got != 5 {
		t.Fatalf("expected 5 entries (3 bindings + 2 registrations), got %d", got)
	}

	smaller := &config.Catalog{
		Groups: []api.RepoGroup{{Name: "external", RegexInclude: "^ext-", Active: true}},
		Bindings: []api.ServerRepoGroup{{
			Server:            "solo.example.com",
			Group:             "external",
			Schedule:          "0 * * * *",
			MaxConcurrentSync: 1,
			MaxRuntime:        api.DurationFrom(time.Hour),
			Active:            true,
		}},
	}
	if err := s.Apply(smaller); err != nil {
		t.Fatalf("expected the smaller catalog to apply, got %v", err)
	}
	if got := len(s.entries); got != 1 {
		t.Fatalf("expected the entries to be replaced, got %d", got)
	}
}

func TestApplyReportsBrokenBindings(t *testing.T) {
	t.Parallel()
	s := New(jobstore.NewInMemory(), queue.NewInMemory())

	catalog := &config.Catalog{
		Groups: []api.RepoGroup{{Name: "external", Active: true}},
		Bindings: []api.ServerRepoGroup{
			{Server: "a.example.com", Group: "external", Schedule: "not a cron", MaxConcurrentSync: 1, MaxRuntime: api.DurationFrom(time.Hour), Active: true},
			{Server: "a.example.com", Group: "ghost", Schedule: "0 * * * *", MaxConcurrentSync: 1, MaxRuntime: api.DurationFrom(time.Hour), Active: true},
		},
	}
	if err := s.Apply(catalog); err == nil {
		t.Fatal("expected Apply to report the broken bindings")
	}
	if got := len(s.entries); got != 0 {
		t.Fatalf("expected no entries from broken bindings, got %d", got)
	}
}

func TestSyncFiringCarriesTheBoundParameters(t *testing.T) {
	t.Parallel()
	store := jobstore.NewInMemory()
	q := queue.NewInMemory()
	s := New(store, q)
	catalog := testCatalog(t)

	bindings := catalog.BindingsFor("pulp-secondary.example.com")
	if len(bindings) != 1 {
		t.Fatalf("expected one secondary binding, got %d", len(bindings))
	}
	group := catalog.Group(bindings[0].Group)
	s.fireSync(bindings[0], *group)()

	jobs := listJobs(t, store)
	if len(jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Kind != api.JobKindSync || job.Server != "pulp-secondary.example.com" || job.State != api.JobStateQueued {
		t.Fatalf("unexpected job: kind=%s server=%s state=%s", job.Kind, job.Server, job.State)
	}
	var params api.SyncParams
	if err := api.DecodeParams(job.Params, &params); err != nil {
		t.Fatalf("failed to decode the fired params: %v", err)
	}
	if params.RegexInclude != "^ext-" {
		t.Errorf("expected the group selector to travel, got %q", params.RegexInclude)
	}
	if params.MaxConcurrentSyncs != 4 {
		t.Errorf("expected the binding's concurrency cap, got %d", params.MaxConcurrentSyncs)
	}
	if params.MaxRuntime.Seconds() != 4*3600 {
		t.Errorf("expected a 4h runtime budget, got %s", params.MaxRuntime)
	}
	if params.SourcePulpServer != "pulp-primary.example.com" {
		t.Errorf("expected the pulp master to travel as the sync source, got %q", params.SourcePulpServer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if id, err := q.Dequeue(ctx); err != nil || id != job.ID {
		t.Errorf("expected job %d on the queue, got %d err %v", job.ID, id, err)
	}
}

func TestSyncFiringSkipsCoveredWork(t *testing.T) {
	t.Parallel()
	store := jobstore.NewInMemory()
	s := New(store, queue.NewInMemory())
	catalog := testCatalog(t)

	bindings := catalog.BindingsFor("pulp-primary.example.com")
	if len(bindings) != 2 {
		t.Fatalf("expected two primary bindings, got %d", len(bindings))
	}
	external, internal := bindings[0], bindings[1]

	s.fireSync(external, *catalog.Group(external.Group))()
	s.fireSync(external, *catalog.Group(external.Group))()
	if jobs := listJobs(t, store); len(jobs) != 1 {
		t.Fatalf("expected the second firing to be suppressed, got %d jobs", len(jobs))
	}

	// A different selector set is new work.
	s.fireSync(internal, *catalog.Group(internal.Group))()
	if jobs := listJobs(t, store); len(jobs) != 2 {
		t.Fatalf("expected the disjoint firing to enqueue, got %d jobs", len(jobs))
	}
}

func TestRegistrationFiringTargetsTheMasters(t *testing.T) {
	t.Parallel()
	store := jobstore.NewInMemory()
	s := New(store, queue.NewInMemory())
	catalog := testCatalog(t)

	secondary := registrationFor(t, catalog, "pulp-secondary.example.com")
	s.fireRegistration(secondary, mastersOf(catalog, secondary.Server))()

	jobs := listJobs(t, store)
	if len(jobs) != 1 {
		t.Fatalf("expected one registration job, got %d", len(jobs))
	}
	var params api.RegistrationParams
	if err := api.DecodeParams(jobs[0].Params, &params); err != nil {
		t.Fatalf("failed to decode the fired params: %v", err)
	}
	if params.Source != "pulp-primary.example.com" {
		t.Errorf("expected the registration to mirror the pulp master, got source %q", params.Source)
	}
	if params.MaxRuntime == nil || params.MaxRuntime.Seconds() != 2*3600 {
		t.Errorf("expected a 2h runtime budget, got %v", params.MaxRuntime)
	}

	primary := registrationFor(t, catalog, "pulp-primary.example.com")
	s.fireRegistration(primary, mastersOf(catalog, primary.Server))()

	jobs = listJobs(t, store)
	if len(jobs) != 2 {
		t.Fatalf("expected a second registration job, got %d", len(jobs))
	}
	// List returns newest first.
	params = api.RegistrationParams{}
	if err := api.DecodeParams(jobs[0].Params, &params); err != nil {
		t.Fatalf("failed to decode the fired params: %v", err)
	}
	if params.Source != "" {
		t.Errorf("expected the primary to register the git catalog, got source %q", params.Source)
	}
}

func TestRegistrationFiringSkipsActiveRuns(t *testing.T) {
	t.Parallel()
	store := jobstore.NewInMemory()
	s := New(store, queue.NewInMemory())
	catalog := testCatalog(t)

	registration := registrationFor(t, catalog, "pulp-primary.example.com")
	fire := s.fireRegistration(registration, nil)
	fire()
	fire()

	if jobs := listJobs(t, store); len(jobs) != 1 {
		t.Fatalf("expected the second firing to be suppressed, got %d jobs", len(jobs))
	}
}

func TestEnqueueHandsTheJobToTheQueue(t *testing.T) {
	t.Parallel()
	store := jobstore.NewInMemory()
	q := queue.NewInMemory()
	s := New(store, q)

	ctx := context.Background()
	id, err := s.Enqueue(ctx, api.JobKindSnapshot, "pulp-primary.example.com", api.SnapshotParams{
		Prefix:                 "snap-q3",
		MaxConcurrentSnapshots: 2,
	})
	if err != nil {
		t.Fatalf("expected the enqueue to succeed, got %v", err)
	}

	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to load job %d: %v", id, err)
	}
	if job.Kind != api.JobKindSnapshot || job.State != api.JobStateQueued {
		t.Fatalf("unexpected job: kind=%s state=%s", job.Kind, job.State)
	}
	var params api.SnapshotParams
	if err := api.DecodeParams(job.Params, &params); err != nil {
		t.Fatalf("failed to decode the stored params: %v", err)
	}
	if params.Prefix != "snap-q3" || params.MaxConcurrentSnapshots != 2 {
		t.Errorf("params did not round trip: %+v", params)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if got, err := q.Dequeue(dequeueCtx); err != nil || got != id {
		t.Errorf("expected job %d on the queue, got %d err %v", id, got, err)
	}
}

func TestEnqueueFailuresFailTheJob(t *testing.T) {
	t.Parallel()
	store := jobstore.NewInMemory()
	s := New(store, failingQueue{})

	if _, err := s.Enqueue(context.Background(), api.JobKindSync, "pulp-primary.example.com", nil); err == nil {
		t.Fatal("expected the enqueue to fail")
	}

	jobs := listJobs(t, store)
	if len(jobs) != 1 {
		t.Fatalf("expected the job record to exist, got %d jobs", len(jobs))
	}
	if jobs[0].State != api.JobStateFailed {
		t.Fatalf("expected the unqueueable job to fail, got %s", jobs[0].State)
	}
	if jobs[0].Error == nil || jobs[0].Error.Msg != "the job could not be handed to the queue" {
		t.Errorf("expected a queue hand-off error, got %+v", jobs[0].Error)
	}
}
