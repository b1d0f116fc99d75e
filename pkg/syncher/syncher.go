// Package syncher drives repository syncs against one pulp server: it
// resolves the target set, submits syncs with bounded concurrency, polls the
// resulting tasks under a wall-clock deadline and records a terminal outcome
// for every targeted repository.
package syncher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/matcher"
	"github.com/pulp-ops/pulp-manager/pkg/metrics"
	"github.com/pulp-ops/pulp-manager/pkg/pulp"
)

// defaultGracePeriod is how long in-flight pulp tasks may straggle past the
// deadline or a cancel before their repositories are written off.
const defaultGracePeriod = 30 * time.Second

// Settings carries the server-independent sync behavior from the
// application config.
type Settings struct {
	// BannedPackageRegex matches package names that must never be served.
	// Repositories synced from external feeds are purged after every sync
	// that pulled new content.
	BannedPackageRegex string
	// InternalDomains lists feed domains whose content is trusted and
	// exempt from the banned package purge.
	InternalDomains []string
	// GracePeriod overrides defaultGracePeriod, mainly for tests.
	GracePeriod time.Duration
}

// Syncher executes sync jobs. It is safe for concurrent use by multiple
// jobs.
type Syncher struct {
	store           jobstore.Store
	banned          *regexp.Regexp
	internalDomains []string
	grace           time.Duration
}

func New(store jobstore.Store, settings Settings) (*Syncher, error) {
	s := &Syncher{
		store:           store,
		internalDomains: settings.InternalDomains,
		grace:           settings.GracePeriod,
	}
	if s.grace == 0 {
		s.grace = defaultGracePeriod
	}
	if settings.BannedPackageRegex != "" {
		banned, err := regexp.Compile(settings.BannedPackageRegex)
		if err != nil {
			return nil, api.TagErrorf(api.ErrorConfigInvalid, "banned package regex does not compile: %v", err)
		}
		s.banned = banned
	}
	return s, nil
}

// Run executes one sync job against the target server. A non-nil source
// client restricts targets to repositories that also exist on the source
// server. The returned error determines the job's terminal state, a nil
// return means every targeted repository completed or was skipped.
func (s *Syncher) Run(ctx context.Context, job *api.Job, client, source *pulp.Client, params api.SyncParams) error {
	if err := params.Validate(); err != nil {
		return api.TagError(api.ErrorConfigInvalid, err)
	}
	logger := logrus.WithFields(logrus.Fields{"job": job.ID, "server": job.Server})

	plan, err := s.resolveTargets(ctx, job, client, source, params, logger)
	if err != nil {
		return err
	}
	if len(plan.matched) == 0 {
		logger.Info("No repositories matched the sync selectors.")
		return nil
	}
	s.stage(ctx, job.ID, "targets_resolved", map[string]int{
		"matched":                   len(plan.matched),
		"to_sync":                   len(plan.run),
		"skipped_conflict":          plan.skippedConflict,
		"skipped_missing_on_source": plan.skippedMissing,
	}, logger)

	var outcomes []api.RepoResultState
	if len(plan.run) > 0 {
		start := time.Now()
		runCtx, cancel := context.WithDeadline(ctx, start.Add(params.MaxRuntime.Duration))
		outcomes = s.syncAll(runCtx, job, client, plan.run, params.MaxConcurrentSyncs, logger)
		cancel()
		metrics.ObserveSyncDuration(job.Server, time.Since(start))
	}
	background := context.WithoutCancel(ctx)
	s.stage(background, job.ID, "syncs_finished", tally(outcomes), logger)
	s.recordHealth(background, job.Server, plan.matched, logger)

	if len(plan.run) == 0 && plan.skippedConflict == len(plan.matched) {
		return api.TagErrorf(api.ErrorConflict, "all %d matching repositories are covered by other running sync jobs", len(plan.matched))
	}
	return aggregateError(ctx, outcomes)
}

// targetPlan is the outcome of target resolution: the repositories to sync
// in submission order, plus the full matched name list for the health
// rollup.
type targetPlan struct {
	run             []pulp.Repository
	matched         []string
	skippedConflict int
	skippedMissing  int
}

// resolveTargets lists the server's syncable repositories, applies the
// include/exclude selectors and strips repositories that are covered by
// another running sync job or missing on the source server. Skips are
// recorded as terminal repo results right away.
func (s *Syncher) resolveTargets(ctx context.Context, job *api.Job, client, source *pulp.Client, params api.SyncParams, logger *logrus.Entry) (*targetPlan, error) {
	inventory, err := client.ListAllRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories on %s: %w", job.Server, err)
	}
	// Repositories without a remote have nothing to sync from.
	var syncable []pulp.Repository
	for _, repo := range inventory {
		if repo.Remote != nil && *repo.Remote != "" {
			syncable = append(syncable, repo)
		}
	}

	names := make([]string, 0, len(syncable))
	for _, repo := range syncable {
		names = append(names, repo.Name)
	}
	matchedNames, err := matcher.MatchNames(names, params.RegexInclude, params.RegexExclude)
	if err != nil {
		return nil, api.TagError(api.ErrorConfigInvalid, err)
	}
	matchedSet := sets.New[string](matchedNames...)

	conflicts, err := s.conflictingRepos(ctx, job, names, logger)
	if err != nil {
		return nil, err
	}

	var onSource sets.Set[string]
	if source != nil {
		sourceRepos, err := source.ListAllRepositories(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories on source server %s: %w", params.SourcePulpServer, err)
		}
		onSource = sets.New[string]()
		for _, repo := range sourceRepos {
			onSource.Insert(repo.Name)
		}
	}

	plan := &targetPlan{matched: matchedNames}
	now := time.Now()
	for _, repo := range syncable {
		if !matchedSet.Has(repo.Name) {
			continue
		}
		switch {
		case conflicts.Has(repo.Name):
			plan.skippedConflict++
			s.recordSkip(ctx, job.ID, repo.Name, api.RepoResultSkippedConflict,
				"another running sync job already covers this repository", now, logger)
		case onSource != nil && !onSource.Has(repo.Name):
			plan.skippedMissing++
			s.recordSkip(ctx, job.ID, repo.Name, api.RepoResultSkippedMissing,
				fmt.Sprintf("repository does not exist on source server %s", params.SourcePulpServer), now, logger)
		default:
			plan.run = append(plan.run, repo)
		}
	}
	return plan, nil
}

// conflictingRepos computes the union of repository names covered by other
// running sync jobs on the same server. Jobs whose parameters cannot be
// interpreted are assumed to cover everything.
func (s *Syncher) conflictingRepos(ctx context.Context, job *api.Job, names []string, logger *logrus.Entry) (sets.Set[string], error) {
	active, err := s.store.ListActive(ctx, job.Server, api.JobKindSync)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sync jobs on %s: %w", job.Server, err)
	}
	covered := sets.New[string]()
	for _, other := range active {
		// Queued jobs have not touched pulp yet and will run their own
		// pre-scan, only running ones can collide.
		if other.ID == job.ID || other.State != api.JobStateRunning {
			continue
		}
		otherLogger := logger.WithField("conflicting_job", other.ID)
		var otherParams api.SyncParams
		if err := api.DecodeParams(other.Params, &otherParams); err != nil {
			otherLogger.WithError(err).Warn("Failed to decode parameters of a running sync job, assuming full overlap.")
			covered.Insert(names...)
			continue
		}
		matched, err := matcher.MatchNames(names, otherParams.RegexInclude, otherParams.RegexExclude)
		if err != nil {
			otherLogger.WithError(err).Warn("Failed to evaluate selectors of a running sync job, assuming full overlap.")
			covered.Insert(names...)
			continue
		}
		covered.Insert(matched...)
	}
	return covered, nil
}

func (s *Syncher) recordSkip(ctx context.Context, jobID int64, repoName string, state api.RepoResultState, msg string, at time.Time, logger *logrus.Entry) {
	result := api.RepoTaskResult{
		JobID:      jobID,
		RepoName:   repoName,
		State:      state,
		Error:      api.NewJobError(msg, nil),
		StartedAt:  at,
		FinishedAt: at,
	}
	if err := s.store.RecordRepoResult(ctx, result); err != nil {
		logger.WithError(err).WithField("repo", repoName).Error("Failed to record skipped repo result.")
	}
}

// syncAll feeds the targets to a pool of exactly concurrency workers in
// lexicographic order and collects the terminal per-repo states.
func (s *Syncher) syncAll(ctx context.Context, job *api.Job, client *pulp.Client, targets []pulp.Repository, concurrency int, logger *logrus.Entry) []api.RepoResultState {
	if concurrency > len(targets) {
		concurrency = len(targets)
	}

	var (
		cursor sync.Mutex
		next   int
	)
	takeNext := func() (pulp.Repository, bool) {
		cursor.Lock()
		defer cursor.Unlock()
		if next >= len(targets) {
			return pulp.Repository{}, false
		}
		repo := targets[next]
		next++
		return repo, true
	}

	outcomes := make(chan api.RepoResultState, len(targets))
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				repo, ok := takeNext()
				if !ok {
					return
				}
				outcomes <- s.syncOne(ctx, job, client, repo, logger.WithField("repo", repo.Name))
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	states := make([]api.RepoResultState, 0, len(targets))
	for state := range outcomes {
		states = append(states, state)
	}
	return states
}

// syncOne drives a single repository to a terminal state and records its
// result.
func (s *Syncher) syncOne(ctx context.Context, job *api.Job, client *pulp.Client, repo pulp.Repository, logger *logrus.Entry) api.RepoResultState {
	started := time.Now()
	record := func(state api.RepoResultState, taskHref string, jobErr *api.JobError) api.RepoResultState {
		result := api.RepoTaskResult{
			JobID:      job.ID,
			RepoName:   repo.Name,
			State:      state,
			TaskHref:   taskHref,
			Error:      jobErr,
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
		if err := s.store.RecordRepoResult(context.WithoutCancel(ctx), result); err != nil {
			logger.WithError(err).Error("Failed to record repo sync result.")
		}
		return state
	}

	// The deadline or a cancel may have fired while this target was still
	// queued behind the pool.
	if err := ctx.Err(); err != nil {
		state, jobErr := abandoned(err, "before the repository was submitted")
		return record(state, "", jobErr)
	}

	metrics.TaskStarted(job.Server)
	defer metrics.TaskFinished(job.Server)

	logger.Info("Submitting repository sync.")
	taskHref, err := client.SyncRepository(ctx, repo.PulpHref, "")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			state, jobErr := abandoned(ctxErr, "during submission")
			return record(state, "", jobErr)
		}
		logger.WithError(err).Error("Failed to submit repository sync.")
		return record(api.RepoResultFailed, "", submissionError(err))
	}

	task, err := client.WaitForTask(ctx, taskHref)
	if err != nil {
		if ctx.Err() != nil {
			return s.abandonTask(ctx, client, taskHref, record, logger)
		}
		return record(api.RepoResultFailed, taskHref, api.NewJobError(err.Error(), nil))
	}

	switch task.State {
	case pulp.TaskStateFailed:
		logger.WithField("task", taskHref).Error("Repository sync task failed.")
		return record(api.RepoResultFailed, taskHref, api.NewJobError("repository sync task failed", task.Error))
	case pulp.TaskStateCanceled:
		return record(api.RepoResultCanceled, taskHref, api.NewJobError("repository sync task was canceled on the pulp server", nil))
	}

	if err := s.finishSync(ctx, client, repo, task, logger); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			state, jobErr := abandoned(ctxErr, "during the post-sync publication")
			return record(state, taskHref, jobErr)
		}
		logger.WithError(err).Error("Post-sync processing failed.")
		return record(api.RepoResultFailed, taskHref, jobErrorFrom(err))
	}
	logger.Info("Repository sync completed.")
	return record(api.RepoResultCompleted, taskHref, nil)
}

// abandonTask resolves a task that was still in flight when the deadline or
// a cancel fired. Canceled jobs ask pulp to stop the task; either way the
// task gets the grace window to reach a terminal state before its
// repository is written off.
func (s *Syncher) abandonTask(ctx context.Context, client *pulp.Client, taskHref string, record func(api.RepoResultState, string, *api.JobError) api.RepoResultState, logger *logrus.Entry) api.RepoResultState {
	ctxErr := ctx.Err()
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	defer cancel()

	if errors.Is(ctxErr, context.Canceled) {
		if err := client.CancelTask(graceCtx, taskHref); err != nil {
			logger.WithError(err).WithField("task", taskHref).Warn("Failed to cancel pulp task.")
		}
	}

	task, err := client.WaitForTask(graceCtx, taskHref)
	if err != nil {
		state, jobErr := abandoned(ctxErr, "with the sync task still running after the grace window")
		return record(state, taskHref, jobErr)
	}
	switch task.State {
	case pulp.TaskStateCompleted:
		// The sync beat the grace window. The publication step is skipped,
		// the time budget is already spent.
		return record(api.RepoResultCompleted, taskHref, nil)
	case pulp.TaskStateFailed:
		return record(api.RepoResultFailed, taskHref, api.NewJobError("repository sync task failed", task.Error))
	default:
		state, jobErr := abandoned(ctxErr, "and the sync task was canceled")
		return record(state, taskHref, jobErr)
	}
}

// finishSync runs the post-sync pipeline of one repository: purge banned
// packages when the sync pulled new content, then make sure the latest
// version has a publication.
func (s *Syncher) finishSync(ctx context.Context, client *pulp.Client, repo pulp.Repository, task *pulp.Task, logger *logrus.Entry) error {
	if !pulp.HasPublications(repo.Kind) {
		return nil
	}

	if task.CreatedResource("/versions/") == "" {
		// The sync found nothing new. Publish only if the latest version
		// has never been published, e.g. after an earlier interrupted run.
		published, err := s.publicationExists(ctx, client, repo)
		if err != nil {
			return err
		}
		if published {
			logger.Debug("Sync produced no changes and the latest version is already published.")
			return nil
		}
	} else if err := s.removeBannedPackages(ctx, client, repo, logger); err != nil {
		return err
	}
	return s.publishLatest(ctx, client, repo, logger)
}

// publicationExists reports whether the repository's latest version already
// has a publication. Repositories without any version count as published,
// there is nothing to render.
func (s *Syncher) publicationExists(ctx context.Context, client *pulp.Client, repo pulp.Repository) (bool, error) {
	current, err := client.GetRepositoryByName(ctx, repo.Kind, repo.Name)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, fmt.Errorf("repository %s disappeared during the sync", repo.Name)
	}
	if current.LatestVersionHref == "" {
		return true, nil
	}
	publication, err := client.GetPublicationByVersion(ctx, repo.Kind, current.LatestVersionHref)
	if err != nil {
		return false, err
	}
	return publication != nil, nil
}

// removeBannedPackages strips packages matching the banned regex from the
// repository. Feeds on internal domains are trusted and skipped, their
// content is first-party.
func (s *Syncher) removeBannedPackages(ctx context.Context, client *pulp.Client, repo pulp.Repository, logger *logrus.Entry) error {
	if s.banned == nil || !pulp.HasPackageContent(repo.Kind) {
		return nil
	}
	if repo.Remote == nil || *repo.Remote == "" {
		return nil
	}
	remote, err := client.GetRemote(ctx, *repo.Remote)
	if err != nil {
		return fmt.Errorf("failed to fetch the remote for the banned package check: %w", err)
	}
	if s.internalFeed(remote.URL) {
		logger.Debug("Repository syncs from an internal domain, skipping the banned package check.")
		return nil
	}

	current, err := client.GetRepositoryByName(ctx, repo.Kind, repo.Name)
	if err != nil {
		return err
	}
	if current == nil || current.LatestVersionHref == "" {
		return nil
	}
	packages, err := client.ListPackages(ctx, repo.Kind, current.LatestVersionHref)
	if err != nil {
		return fmt.Errorf("failed to list packages for the banned package check: %w", err)
	}
	var remove []string
	for _, pkg := range packages {
		if s.banned.MatchString(pkg.Name) {
			remove = append(remove, pkg.PulpHref)
		}
	}
	if len(remove) == 0 {
		return nil
	}

	logger.WithField("count", len(remove)).Warn("Removing banned packages from repository.")
	taskHref, err := client.ModifyRepository(ctx, repo.PulpHref, nil, remove)
	if err != nil {
		return fmt.Errorf("failed to submit banned package removal: %w", err)
	}
	modify, err := client.WaitForTask(ctx, taskHref)
	if err != nil {
		return err
	}
	if modify.State != pulp.TaskStateCompleted {
		return api.TagErrorf(api.ErrorPulpTaskFailed, "banned package removal finished %s: %s", modify.State, modify.ErrorDescription())
	}
	return nil
}

// internalFeed reports whether the feed URL's host is in one of the
// configured internal domains.
func (s *Syncher) internalFeed(feed string) bool {
	parsed, err := url.Parse(feed)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	for _, domain := range s.internalDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// publishLatest renders a publication for the repository's latest version,
// picking the plugin-appropriate layout.
func (s *Syncher) publishLatest(ctx context.Context, client *pulp.Client, repo pulp.Repository, logger *logrus.Entry) error {
	current, err := client.GetRepositoryByName(ctx, repo.Kind, repo.Name)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("repository %s disappeared during the sync", repo.Name)
	}
	if current.LatestVersionHref == "" {
		return nil
	}

	flat := false
	if repo.Kind == api.RepoKindDeb && current.Remote != nil && *current.Remote != "" {
		remote, err := client.GetRemote(ctx, *current.Remote)
		if err != nil {
			return fmt.Errorf("failed to fetch the remote to pick the publication layout: %w", err)
		}
		flat = pulp.DebFlatRemote(remote)
	}

	logger.Debug("Publishing latest repository version.")
	taskHref, err := client.CreatePublication(ctx, repo.Kind, pulp.PublicationFields(repo.Kind, current.LatestVersionHref, flat))
	if err != nil {
		return fmt.Errorf("failed to submit publication: %w", err)
	}
	publish, err := client.WaitForTask(ctx, taskHref)
	if err != nil {
		return err
	}
	if publish.State != pulp.TaskStateCompleted {
		return api.TagErrorf(api.ErrorPulpTaskFailed, "publication finished %s: %s", publish.State, publish.ErrorDescription())
	}
	return nil
}

// healthWindow is how many recent sync outcomes feed a repository's health
// colour.
const healthWindow = 5

// recordHealth recomputes and stores the sync health of every matched
// repository. Health is advisory, failures here never change the job
// outcome.
func (s *Syncher) recordHealth(ctx context.Context, server string, repoNames []string, logger *logrus.Entry) {
	checked := time.Now()
	for _, name := range repoNames {
		recent, err := s.store.RecentRepoResults(ctx, server, name, healthWindow)
		if err != nil {
			logger.WithError(err).WithField("repo", name).Error("Failed to load recent sync results for the health rollup.")
			continue
		}
		if len(recent) == 0 {
			continue
		}
		health := api.SyncHealth{Server: server, RepoName: name, Status: healthFor(recent), CheckedAt: checked}
		if err := s.store.UpsertSyncHealth(ctx, health); err != nil {
			logger.WithError(err).WithField("repo", name).Error("Failed to record sync health.")
		}
	}
}

// healthFor grades a repository on its recent sync outcomes: up to two
// failures stay green, exactly three turn amber, four or more turn red.
func healthFor(results []api.RepoTaskResult) api.HealthStatus {
	failures := 0
	for _, result := range results {
		switch result.State {
		case api.RepoResultFailed, api.RepoResultTimedOut:
			failures++
		}
	}
	switch {
	case failures >= 4:
		return api.HealthRed
	case failures == 3:
		return api.HealthAmber
	default:
		return api.HealthGreen
	}
}

// Rollup reduces per-repository health rows to a server colour, the worst
// colour wins.
func Rollup(rows []api.SyncHealth) api.HealthStatus {
	worst := api.HealthGreen
	for _, row := range rows {
		switch row.Status {
		case api.HealthRed:
			return api.HealthRed
		case api.HealthAmber:
			worst = api.HealthAmber
		}
	}
	return worst
}

func (s *Syncher) stage(ctx context.Context, jobID int64, name string, detail interface{}, logger *logrus.Entry) {
	stage := api.JobStage{JobID: jobID, Name: name}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			stage.Detail = raw
		}
	}
	if err := s.store.RecordStage(ctx, stage); err != nil {
		logger.WithError(err).WithField("stage", name).Warn("Failed to record job stage.")
	}
}

func tally(outcomes []api.RepoResultState) map[string]int {
	counts := map[string]int{}
	for _, state := range outcomes {
		counts[string(state)]++
	}
	return counts
}

// abandoned maps a fired context to the repo result state and error payload
// it implies.
func abandoned(ctxErr error, detail string) (api.RepoResultState, *api.JobError) {
	if errors.Is(ctxErr, context.Canceled) {
		return api.RepoResultCanceled, api.NewJobError("sync canceled "+detail, nil)
	}
	return api.RepoResultTimedOut, api.NewJobError("sync deadline expired "+detail, nil)
}

// apiErrorDetail renders a pulp response body for storage. Bodies that are
// not JSON, e.g. proxy error pages, are wrapped as a string so the stored
// payload stays valid.
func apiErrorDetail(apiErr *pulp.APIError) interface{} {
	if json.Valid(apiErr.Body) {
		return json.RawMessage(apiErr.Body)
	}
	return string(apiErr.Body)
}

// submissionError captures a failed sync submission. Pulp's rejection
// payload travels verbatim.
func submissionError(err error) *api.JobError {
	apiErr := &pulp.APIError{}
	if errors.As(err, &apiErr) {
		return api.NewJobError(fmt.Sprintf("pulp rejected the sync submission with status %d", apiErr.StatusCode), apiErrorDetail(apiErr))
	}
	return api.NewJobError(err.Error(), nil)
}

// jobErrorFrom renders a post-sync failure for storage, keeping pulp
// response payloads intact.
func jobErrorFrom(err error) *api.JobError {
	apiErr := &pulp.APIError{}
	if errors.As(err, &apiErr) {
		return api.NewJobError(fmt.Sprintf("pulp answered %d during post-sync processing", apiErr.StatusCode), apiErrorDetail(apiErr))
	}
	return api.NewJobError(err.Error(), nil)
}

// aggregateError reduces the per-repo outcomes to the job-level error. A
// cancel always wins, then a fired deadline with abandoned repositories,
// then any failure.
func aggregateError(ctx context.Context, outcomes []api.RepoResultState) error {
	var completed, failed, timedOut, canceled int
	for _, state := range outcomes {
		switch state {
		case api.RepoResultCompleted:
			completed++
		case api.RepoResultFailed:
			failed++
		case api.RepoResultTimedOut:
			timedOut++
		case api.RepoResultCanceled:
			canceled++
		}
	}
	total := len(outcomes)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return api.TagErrorf(api.ErrorCanceled, "sync canceled: %d of %d repositories completed", completed, total)
	case timedOut > 0:
		return api.TagErrorf(api.ErrorDeadline, "sync deadline expired: %d of %d repositories did not finish in time", timedOut, total)
	case failed > 0 || canceled > 0:
		return fmt.Errorf("%d of %d repositories failed to sync", failed+canceled, total)
	default:
		return nil
	}
}
