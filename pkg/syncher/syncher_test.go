package syncher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/pulp"
	"github.com/pulp-ops/pulp-manager/pkg/pulp/pulpfake"
)

func testClient(t *testing.T, fake *pulpfake.Fake) *pulp.Client {
	t.Helper()
	client, err := pulp.NewClient(pulp.Options{
		BaseURL:          fake.URL(),
		Username:         "admin",
		Password:         "hunter2",
		TaskPollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func testSyncher(t *testing.T, store jobstore.Store, settings Settings) *Syncher {
	t.Helper()
	if settings.GracePeriod == 0 {
		settings.GracePeriod = 150 * time.Millisecond
	}
	s, err := New(store, settings)
	if err != nil {
		t.Fatalf("failed to construct syncher: %v", err)
	}
	return s
}

func runningJob(t *testing.T, store jobstore.Store, server string, params api.SyncParams) *api.Job {
	t.Helper()
	ctx := context.Background()
	raw, err := api.EncodeParams(params)
	if err != nil {
		t.Fatalf("failed to encode params: %v", err)
	}
	id, err := store.Create(ctx, nil, api.JobKindSync, server, raw)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if claimed, err := store.Claim(ctx, id, "test-worker"); err != nil || !claimed {
		t.Fatalf("failed to claim job %d: claimed=%t err=%v", id, claimed, err)
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to load job %d: %v", id, err)
	}
	return job
}

func resultsByRepo(t *testing.T, store jobstore.Store, jobID int64) map[string]api.RepoTaskResult {
	t.Helper()
	results, err := store.RepoResults(context.Background(), jobID)
	if err != nil {
		t.Fatalf("failed to load repo results: %v", err)
	}
	byRepo := map[string]api.RepoTaskResult{}
	for _, result := range results {
		if _, seen := byRepo[result.RepoName]; seen {
			t.Errorf("repo %s has more than one recorded result", result.RepoName)
		}
		byRepo[result.RepoName] = result
	}
	return byRepo
}

func syncParams(include string, concurrency int, runtime time.Duration) api.SyncParams {
	return api.SyncParams{
		RegexInclude:       include,
		MaxConcurrentSyncs: concurrency,
		MaxRuntime:         api.DurationFrom(runtime),
	}
}

func TestRunSyncsMatchingRepositories(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	for _, name := range []string{"ext-alpha", "ext-beta", "ext-gamma"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}
	// No remote, nothing to sync from.
	fake.AddRepository(api.RepoKindRPM, "ext-orphan", nil)

	job := runningJob(t, store, "primary", syncParams("^ext-", 2, time.Minute))
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, syncParams("^ext-", 2, time.Minute)); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}

	byRepo := resultsByRepo(t, store, job.ID)
	if len(byRepo) != 3 {
		t.Fatalf("expected results for 3 repositories, got %d: %v", len(byRepo), byRepo)
	}
	for _, name := range []string{"ext-alpha", "ext-beta", "ext-gamma"} {
		result, ok := byRepo[name]
		if !ok {
			t.Errorf("no result recorded for %s", name)
			continue
		}
		if result.State != api.RepoResultCompleted {
			t.Errorf("expected %s to complete, got %s (error: %+v)", name, result.State, result.Error)
		}
		if result.TaskHref == "" {
			t.Errorf("expected %s to reference its sync task", name)
		}
	}
	if _, ok := byRepo["ext-orphan"]; ok {
		t.Errorf("a repository without a remote must not be targeted")
	}
	if got := fake.SyncPosts(); got != 3 {
		t.Errorf("expected 3 sync submissions, got %d", got)
	}

	// Every synced repository ends with a published latest version.
	for _, name := range []string{"ext-alpha", "ext-beta", "ext-gamma"} {
		repo := fake.RepositoryByName(name)
		version, _ := repo["latest_version_href"].(string)
		if fake.PublicationByVersion(version) == nil {
			t.Errorf("expected a publication for the latest version of %s", name)
		}
	}

	stages, err := store.Stages(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("failed to load stages: %v", err)
	}
	var names []string
	for _, stage := range stages {
		names = append(names, stage.Name)
	}
	if diff := cmp.Diff([]string{"targets_resolved", "syncs_finished"}, names); diff != "" {
		t.Errorf("unexpected stage trail: %s", diff)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("ext-repo-%d", i)
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}
	fake.SetTaskDelay(100 * time.Millisecond)

	job := runningJob(t, store, "primary", syncParams("", 2, time.Minute))
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, syncParams("", 2, time.Minute)); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}

	if got := fake.MaxInFlightSyncs(); got != 2 {
		t.Errorf("expected exactly 2 syncs in flight at peak, got %d", got)
	}
	byRepo := resultsByRepo(t, store, job.ID)
	if len(byRepo) != 6 {
		t.Fatalf("expected results for all 6 repositories, got %d", len(byRepo))
	}
	for name, result := range byRepo {
		if result.State != api.RepoResultCompleted {
			t.Errorf("expected %s to complete, got %s", name, result.State)
		}
	}
}

func TestRunDeadlineAbandonsSlowSyncs(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	for _, name := range []string{"ext-alpha", "ext-beta", "ext-gamma"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}
	fake.SetTaskDelay(5 * time.Second)

	params := syncParams("", 2, 500*time.Millisecond)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{GracePeriod: 150 * time.Millisecond})

	err := s.Run(context.Background(), job, testClient(t, fake), nil, params)
	if !api.IsDeadline(err) {
		t.Fatalf("expected a deadline error, got %v", err)
	}

	byRepo := resultsByRepo(t, store, job.ID)
	if len(byRepo) != 3 {
		t.Fatalf("expected results for all 3 repositories, got %d", len(byRepo))
	}
	submitted := 0
	for name, result := range byRepo {
		if result.State != api.RepoResultTimedOut {
			t.Errorf("expected %s to time out, got %s", name, result.State)
		}
		if result.TaskHref != "" {
			submitted++
		}
	}
	// Two repos were in flight when the deadline fired, the third never got
	// submitted.
	if submitted != 2 {
		t.Errorf("expected 2 repositories with submitted tasks, got %d", submitted)
	}
}

func TestRunRecordsTaskFailuresVerbatim(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	for _, name := range []string{"ext-alpha", "ext-beta", "ext-gamma"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}
	fake.FailSync("ext-beta", "connection refused by upstream")

	params := syncParams("", 2, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	err := s.Run(context.Background(), job, testClient(t, fake), nil, params)
	if err == nil {
		t.Fatal("expected an error when a repository fails to sync")
	}
	if kind := api.KindOf(err); kind != "" {
		t.Errorf("a partial failure must map to the failed state, got kind %q", kind)
	}

	byRepo := resultsByRepo(t, store, job.ID)
	for _, name := range []string{"ext-alpha", "ext-gamma"} {
		if got := byRepo[name].State; got != api.RepoResultCompleted {
			t.Errorf("expected %s to complete, got %s", name, got)
		}
	}
	failed := byRepo["ext-beta"]
	if failed.State != api.RepoResultFailed {
		t.Fatalf("expected ext-beta to fail, got %s", failed.State)
	}
	if failed.Error == nil || failed.Error.Msg != "repository sync task failed" {
		t.Fatalf("unexpected error payload: %+v", failed.Error)
	}
	var detail struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(failed.Error.Detail, &detail); err != nil {
		t.Fatalf("failed to decode error detail %s: %v", string(failed.Error.Detail), err)
	}
	if detail.Description != "connection refused by upstream" {
		t.Errorf("expected the pulp task error verbatim, got %q", detail.Description)
	}
}

func TestRunRecordsRejectedSubmissions(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	remote := fake.AddRemote(api.RepoKindRPM, "ext-alpha", "https://mirror.example.org/ext-alpha", nil)
	fake.AddRepository(api.RepoKindRPM, "ext-alpha", map[string]interface{}{"remote": remote})
	rejection := `{"remote": ["This field may not be null."]}`
	fake.RejectSyncSubmit("ext-alpha", http.StatusBadRequest, rejection)

	params := syncParams("", 1, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, params); err == nil {
		t.Fatal("expected an error when the submission is rejected")
	}

	result := resultsByRepo(t, store, job.ID)["ext-alpha"]
	if result.State != api.RepoResultFailed {
		t.Fatalf("expected ext-alpha to fail, got %s", result.State)
	}
	if result.Error == nil || result.Error.Msg != "pulp rejected the sync submission with status 400" {
		t.Fatalf("unexpected error payload: %+v", result.Error)
	}
	if diff := cmp.Diff(rejection, string(result.Error.Detail)); diff != "" {
		t.Errorf("rejection body was not kept verbatim: %s", diff)
	}
}

func TestRunCancelStopsSubmittingAndCancelsTasks(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	for _, name := range []string{"ext-alpha", "ext-beta", "ext-gamma"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}
	fake.SetTaskDelay(5 * time.Second)

	params := syncParams("", 2, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{GracePeriod: 500 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, job, testClient(t, fake), nil, params)
	}()

	// Cancel once both workers have syncs in flight.
	waitUntil := time.Now().Add(5 * time.Second)
	for fake.SyncPosts() < 2 {
		if time.Now().After(waitUntil) {
			t.Fatal("syncs were never submitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	err := <-done
	if !api.IsCanceled(err) {
		t.Fatalf("expected a canceled error, got %v", err)
	}
	if got := fake.TaskCancellations(); got != 2 {
		t.Errorf("expected both in-flight tasks to be canceled, got %d cancellations", got)
	}

	byRepo := resultsByRepo(t, store, job.ID)
	if len(byRepo) != 3 {
		t.Fatalf("expected results for all 3 repositories, got %d", len(byRepo))
	}
	for name, result := range byRepo {
		if result.State != api.RepoResultCanceled {
			t.Errorf("expected %s to be canceled, got %s", name, result.State)
		}
	}
}

func TestRunSkipsConflictingRepositories(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	for _, name := range []string{"ext-alpha", "ext-beta"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}

	// Another worker is already syncing ext-alpha.
	runningJob(t, store, "primary", syncParams("^ext-alpha$", 1, time.Minute))

	params := syncParams("^ext-", 2, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}

	byRepo := resultsByRepo(t, store, job.ID)
	if got := byRepo["ext-alpha"].State; got != api.RepoResultSkippedConflict {
		t.Errorf("expected ext-alpha to be skipped as conflicting, got %s", got)
	}
	if got := byRepo["ext-beta"].State; got != api.RepoResultCompleted {
		t.Errorf("expected ext-beta to complete, got %s", got)
	}
	if got := fake.SyncPosts(); got != 1 {
		t.Errorf("expected a single sync submission, got %d", got)
	}
}

func TestRunAllRepositoriesConflicting(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	for _, name := range []string{"ext-alpha", "ext-beta"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}
	runningJob(t, store, "primary", syncParams("", 2, time.Minute))

	params := syncParams("^ext-", 2, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	err := s.Run(context.Background(), job, testClient(t, fake), nil, params)
	if !api.IsConflict(err) {
		t.Fatalf("expected a conflict error, got %v", err)
	}
	if got := fake.SyncPosts(); got != 0 {
		t.Errorf("expected no sync submissions, got %d", got)
	}
	byRepo := resultsByRepo(t, store, job.ID)
	for _, name := range []string{"ext-alpha", "ext-beta"} {
		if got := byRepo[name].State; got != api.RepoResultSkippedConflict {
			t.Errorf("expected %s to be skipped as conflicting, got %s", name, got)
		}
	}
}

func TestRunIgnoresQueuedJobsInConflictScan(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	remote := fake.AddRemote(api.RepoKindRPM, "ext-alpha", "https://mirror.example.org/ext-alpha", nil)
	fake.AddRepository(api.RepoKindRPM, "ext-alpha", map[string]interface{}{"remote": remote})

	// A queued job covering the same repo does not block, it will run its
	// own scan when it starts.
	ctx := context.Background()
	raw, err := api.EncodeParams(syncParams("", 1, time.Minute))
	if err != nil {
		t.Fatalf("failed to encode params: %v", err)
	}
	if _, err := store.Create(ctx, nil, api.JobKindSync, "primary", raw); err != nil {
		t.Fatalf("failed to create queued job: %v", err)
	}

	params := syncParams("", 1, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(ctx, job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}
	if got := resultsByRepo(t, store, job.ID)["ext-alpha"].State; got != api.RepoResultCompleted {
		t.Errorf("expected ext-alpha to complete, got %s", got)
	}
}

func TestRunSkipsReposMissingOnSource(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	sourceFake := pulpfake.New()
	t.Cleanup(sourceFake.Close)
	store := jobstore.NewInMemory()

	for _, name := range []string{"ext-alpha", "ext-beta"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}
	// Only ext-alpha exists on the source server.
	sourceFake.AddRepository(api.RepoKindRPM, "ext-alpha", nil)

	params := syncParams("", 2, time.Minute)
	params.SourcePulpServer = "primary"
	job := runningJob(t, store, "secondary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), testClient(t, sourceFake), params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}

	byRepo := resultsByRepo(t, store, job.ID)
	if got := byRepo["ext-alpha"].State; got != api.RepoResultCompleted {
		t.Errorf("expected ext-alpha to complete, got %s", got)
	}
	missing := byRepo["ext-beta"]
	if missing.State != api.RepoResultSkippedMissing {
		t.Errorf("expected ext-beta to be skipped, got %s", missing.State)
	}
	if missing.Error == nil || missing.Error.Msg != "repository does not exist on source server primary" {
		t.Errorf("unexpected skip reason: %+v", missing.Error)
	}
	if got := fake.SyncPosts(); got != 1 {
		t.Errorf("expected a single sync submission, got %d", got)
	}
}

func TestRunPurgesBannedPackagesFromExternalFeeds(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	externalRemote := fake.AddRemote(api.RepoKindRPM, "ext-tools", "https://mirror.external.org/tools", nil)
	fake.AddRepository(api.RepoKindRPM, "ext-tools", map[string]interface{}{"remote": externalRemote})
	fake.AddPackages("ext-tools", "banned-rootkit", "good-tool")

	internalRemote := fake.AddRemote(api.RepoKindRPM, "int-tools", "https://pkgs.corp.example.com/tools", nil)
	fake.AddRepository(api.RepoKindRPM, "int-tools", map[string]interface{}{"remote": internalRemote})
	fake.AddPackages("int-tools", "banned-but-ours", "other-tool")

	params := syncParams("", 2, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{
		BannedPackageRegex: "^banned-",
		InternalDomains:    []string{"corp.example.com"},
	})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}

	if diff := cmp.Diff([]string{"good-tool"}, fake.Packages("ext-tools")); diff != "" {
		t.Errorf("banned packages were not purged from the external repo: %s", diff)
	}
	if diff := cmp.Diff([]string{"banned-but-ours", "other-tool"}, fake.Packages("int-tools")); diff != "" {
		t.Errorf("internal-feed repo must not be purged: %s", diff)
	}
}

func TestRunSkipsRepublishingUnchangedRepositories(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	remote := fake.AddRemote(api.RepoKindRPM, "ext-stable", "https://mirror.example.org/stable", nil)
	repoHref := fake.AddRepository(api.RepoKindRPM, "ext-stable", map[string]interface{}{"remote": remote})
	fake.NoChangeSync("ext-stable")
	fake.AddPublication(api.RepoKindRPM, repoHref+"versions/1/")

	params := syncParams("", 1, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}
	if got := resultsByRepo(t, store, job.ID)["ext-stable"].State; got != api.RepoResultCompleted {
		t.Errorf("expected ext-stable to complete, got %s", got)
	}
	// The only write is the sync submission itself.
	if got := fake.Mutations(); got != 1 {
		t.Errorf("expected no writes beyond the sync, got %d mutations", got)
	}
}

func TestRunPublishesUnchangedRepositoriesMissingAPublication(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	remote := fake.AddRemote(api.RepoKindRPM, "ext-stable", "https://mirror.example.org/stable", nil)
	repoHref := fake.AddRepository(api.RepoKindRPM, "ext-stable", map[string]interface{}{"remote": remote})
	fake.NoChangeSync("ext-stable")

	params := syncParams("", 1, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}
	if fake.PublicationByVersion(repoHref+"versions/1/") == nil {
		t.Errorf("expected the unpublished latest version to be published")
	}
}

func TestRunPicksDebPublicationLayout(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	flatRemote := fake.AddRemote(api.RepoKindDeb, "ext-flat", "https://deb.example.org/flat", map[string]interface{}{"distributions": "stable/"})
	flatHref := fake.AddRepository(api.RepoKindDeb, "ext-flat", map[string]interface{}{"remote": flatRemote})
	structuredRemote := fake.AddRemote(api.RepoKindDeb, "ext-structured", "https://deb.example.org/structured", map[string]interface{}{"distributions": "stable main"})
	structuredHref := fake.AddRepository(api.RepoKindDeb, "ext-structured", map[string]interface{}{"remote": structuredRemote})

	params := syncParams("", 2, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}

	flat := fake.PublicationByVersion(flatHref + "versions/2/")
	if flat == nil {
		t.Fatal("expected a publication for the flat repo")
	}
	if simple, _ := flat["simple"].(bool); !simple {
		t.Errorf("expected a simple publication for the flat repo, got %v", flat)
	}
	if structured, ok := flat["structured"].(bool); !ok || structured {
		t.Errorf("expected structured=false for the flat repo, got %v", flat)
	}

	structured := fake.PublicationByVersion(structuredHref + "versions/2/")
	if structured == nil {
		t.Fatal("expected a publication for the structured repo")
	}
	if isStructured, _ := structured["structured"].(bool); !isStructured {
		t.Errorf("expected a structured publication, got %v", structured)
	}
}

func TestRunRecordsSyncHealth(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()
	ctx := context.Background()

	for _, name := range []string{"ext-flaky", "ext-steady", "ext-wobbly"} {
		remote := fake.AddRemote(api.RepoKindRPM, name, "https://mirror.example.org/"+name, nil)
		fake.AddRepository(api.RepoKindRPM, name, map[string]interface{}{"remote": remote})
	}

	// Seed failure history: four failed syncs for ext-flaky, three for
	// ext-wobbly.
	seedFailure := func(repoName string, age time.Duration) {
		id, err := store.Create(ctx, nil, api.JobKindSync, "primary", nil)
		if err != nil {
			t.Fatalf("failed to create history job: %v", err)
		}
		finished := time.Now().Add(-age)
		result := api.RepoTaskResult{
			JobID:      id,
			RepoName:   repoName,
			State:      api.RepoResultFailed,
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: finished,
		}
		if err := store.RecordRepoResult(ctx, result); err != nil {
			t.Fatalf("failed to seed repo result: %v", err)
		}
	}
	for i := 1; i <= 4; i++ {
		seedFailure("ext-flaky", time.Duration(i)*time.Hour)
	}
	for i := 1; i <= 3; i++ {
		seedFailure("ext-wobbly", time.Duration(i)*time.Hour)
	}

	params := syncParams("", 2, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(ctx, job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected the sync to succeed, got %v", err)
	}

	rows, err := store.SyncHealthForServer(ctx, "primary")
	if err != nil {
		t.Fatalf("failed to load sync health: %v", err)
	}
	statuses := map[string]api.HealthStatus{}
	for _, row := range rows {
		statuses[row.RepoName] = row.Status
	}
	want := map[string]api.HealthStatus{
		"ext-flaky":  api.HealthRed,
		"ext-steady": api.HealthGreen,
		"ext-wobbly": api.HealthAmber,
	}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("unexpected health rollup: %s", diff)
	}
}

func TestRunRejectsInvalidParameters(t *testing.T) {
	t.Parallel()
	store := jobstore.NewInMemory()
	s := testSyncher(t, store, Settings{})
	job := runningJob(t, store, "primary", syncParams("", 1, time.Minute))

	testCases := []struct {
		name   string
		params api.SyncParams
	}{
		{
			name:   "zero concurrency",
			params: api.SyncParams{MaxRuntime: api.DurationFrom(time.Minute)},
		},
		{
			name:   "zero runtime",
			params: api.SyncParams{MaxConcurrentSyncs: 1},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Run(context.Background(), job, nil, nil, tc.params)
			if !api.IsConfigInvalid(err) {
				t.Errorf("expected a config error, got %v", err)
			}
		})
	}
}

func TestRunRejectsBrokenSelectors(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	remote := fake.AddRemote(api.RepoKindRPM, "ext-alpha", "https://mirror.example.org/ext-alpha", nil)
	fake.AddRepository(api.RepoKindRPM, "ext-alpha", map[string]interface{}{"remote": remote})

	params := syncParams("[", 1, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	err := s.Run(context.Background(), job, testClient(t, fake), nil, params)
	if !api.IsConfigInvalid(err) {
		t.Errorf("expected a config error for a broken include regex, got %v", err)
	}
}

func TestRunNoMatchesIsANoOp(t *testing.T) {
	t.Parallel()
	fake := pulpfake.New()
	t.Cleanup(fake.Close)
	store := jobstore.NewInMemory()

	remote := fake.AddRemote(api.RepoKindRPM, "ext-alpha", "https://mirror.example.org/ext-alpha", nil)
	fake.AddRepository(api.RepoKindRPM, "ext-alpha", map[string]interface{}{"remote": remote})

	params := syncParams("^nothing-matches$", 1, time.Minute)
	job := runningJob(t, store, "primary", params)
	s := testSyncher(t, store, Settings{})

	if err := s.Run(context.Background(), job, testClient(t, fake), nil, params); err != nil {
		t.Fatalf("expected a no-op run to succeed, got %v", err)
	}
	if got := fake.SyncPosts(); got != 0 {
		t.Errorf("expected no sync submissions, got %d", got)
	}
	results, err := store.RepoResults(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("failed to load repo results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no repo results, got %v", results)
	}
}

func TestRollup(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		statuses []api.HealthStatus
		expected api.HealthStatus
	}{
		{
			name:     "no rows",
			expected: api.HealthGreen,
		},
		{
			name:     "all green",
			statuses: []api.HealthStatus{api.HealthGreen, api.HealthGreen},
			expected: api.HealthGreen,
		},
		{
			name:     "amber beats green",
			statuses: []api.HealthStatus{api.HealthGreen, api.HealthAmber},
			expected: api.HealthAmber,
		},
		{
			name:     "red beats everything",
			statuses: []api.HealthStatus{api.HealthAmber, api.HealthRed, api.HealthGreen},
			expected: api.HealthRed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var rows []api.SyncHealth
			for _, status := range tc.statuses {
				rows = append(rows, api.SyncHealth{Status: status})
			}
			if got := Rollup(rows); got != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, got)
			}
		})
	}
}
