// Package snapshotter creates dated, immutable serving paths for repository
// content: every target repository gets its latest version published and a
// prefixed distribution pinned to that publication under a dated base path.
// Live distributions keep following the repository; snapshots freeze it.
package snapshotter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// Settings carries the server-independent snapshot behavior from the
// application config.
type Settings struct {
	// DebSigningService names the pulp signing service attached to deb
	// repositories before they are published, so snapshot publications
	// carry signed release files.
	DebSigningService string
}

// Snapshotter executes snapshot jobs. It is safe for concurrent use by
// multiple jobs.
type Snapshotter struct {
	store    jobstore.Store
	settings Settings
}

func New(store jobstore.Store, settings Settings) *Snapshotter {
	return &Snapshotter{store: store, settings: settings}
}

// Run executes one snapshot job against the target server. The returned
// error determines the job's terminal state; a nil return means every
// targeted repository was snapshotted.
func (s *Snapshotter) Run(ctx context.Context, job *api.Job, client *pulp.Client, params api.SnapshotParams) error {
	if err := params.Validate(); err != nil {
		return api.TagError(api.ErrorConfigInvalid, err)
	}
	prefix := params.NormalizedPrefix()
	date := time.Now().UTC().Format("2006-01-02")
	logger := logrus.WithFields(logrus.Fields{"job": job.ID, "server": job.Server, "prefix": prefix})

	targets, err := s.resolveTargets(ctx, job, client, params)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Info("No repositories matched the snapshot selectors.")
		return nil
	}

	signingHref, err := s.resolveSigningService(ctx, client, targets)
	if err != nil {
		return err
	}

	s.stage(ctx, job.ID, "targets_resolved", map[string]interface{}{
		"repos": len(targets),
		"date":  date,
	}, logger)

	outcomes := s.snapshotAll(ctx, job, client, targets, prefix, date, signingHref, params, logger)

	s.stage(context.WithoutCancel(ctx), job.ID, "snapshots_finished", tally(outcomes), logger)
	return aggregateError(ctx, outcomes)
}

// resolveTargets lists the server's repositories and applies the kind and
// selector filters. Only deb and rpm content has the publication and
// distribution machinery dated snapshots are made of.
func (s *Snapshotter) resolveTargets(ctx context.Context, job *api.Job, client *pulp.Client, params api.SnapshotParams) ([]pulp.Repository, error) {
	inventory, err := client.ListAllRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories on %s: %w", job.Server, err)
	}
	var candidates []pulp.Repository
	for _, repo := range inventory {
		if repo.Kind == api.RepoKindDeb || repo.Kind == api.RepoKindRPM {
			candidates = append(candidates, repo)
		}
	}

	names := make([]string, 0, len(candidates))
	for _, repo := range candidates {
		names = append(names, repo.Name)
	}
	matchedNames, err := matcher.MatchNames(names, params.RegexInclude, params.RegexExclude)
	if err != nil {
		return nil, api.TagError(api.ErrorConfigInvalid, err)
	}
	matchedSet := sets.New[string](matchedNames...)

	var targets []pulp.Repository
	for _, repo := range candidates {
		if matchedSet.Has(repo.Name) {
			targets = append(targets, repo)
		}
	}
	return targets, nil
}

// resolveSigningService looks up the configured deb signing service once
// for the whole run. A configured service that does not exist on the server
// aborts the job before anything is published unsigned.
func (s *Snapshotter) resolveSigningService(ctx context.Context, client *pulp.Client, targets []pulp.Repository) (string, error) {
	if s.settings.DebSigningService == "" {
		return "", nil
	}
	needed := false
	for _, repo := range targets {
		if repo.Kind == api.RepoKindDeb {
			needed = true
			break
		}
	}
	if !needed {
		return "", nil
	}
	service, err := client.GetSigningServiceByName(ctx, s.settings.DebSigningService)
	if err != nil {
		return "", fmt.Errorf("failed to look up signing service %q: %w", s.settings.DebSigningService, err)
	}
	if service == nil {
		return "", api.TagErrorf(api.ErrorConfigInvalid, "signing service %q does not exist on the pulp server", s.settings.DebSigningService)
	}
	return service.PulpHref, nil
}

// snapshotAll feeds the targets to a pool of exactly
// max_concurrent_snapshots workers in lexicographic order and collects the
// terminal per-repo states.
func (s *Snapshotter) snapshotAll(ctx context.Context, job *api.Job, client *pulp.Client, targets []pulp.Repository, prefix, date, signingHref string, params api.SnapshotParams, logger *logrus.Entry) []api.RepoResultState {
	concurrency := params.MaxConcurrentSnapshots
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
				outcomes <- s.snapshotOne(ctx, job, client, repo, prefix, date, signingHref, params.AllowReuse, logger.WithField("repo", repo.Name))
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

// snapshotOne drives a single repository through publish and distribute and
// records its result. The repository is abandoned at the first step that
// fails.
func (s *Snapshotter) snapshotOne(ctx context.Context, job *api.Job, client *pulp.Client, repo pulp.Repository, prefix, date, signingHref string, allowReuse bool, logger *logrus.Entry) api.RepoResultState {
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
			logger.WithError(err).Error("Failed to record repo snapshot result.")
		}
		return state
	}

	// A cancel may have fired while this target was still queued behind
	// the pool.
	if err := ctx.Err(); err != nil {
		state, jobErr := abandoned(err, "before the repository was submitted")
		return record(state, "", jobErr)
	}

	metrics.TaskStarted(job.Server)
	defer metrics.TaskFinished(job.Server)

	publicationHref, taskHref, err := s.publish(ctx, client, repo, signingHref, allowReuse, logger)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			state, jobErr := abandoned(ctxErr, "during the publication")
			return record(state, taskHref, jobErr)
		}
		logger.WithError(err).Error("Failed to publish the repository for its snapshot.")
		return record(api.RepoResultFailed, taskHref, jobErrorFrom(err))
	}
	if publicationHref == "" {
		logger.Warn("Repository has no content version, nothing to snapshot.")
		return record(api.RepoResultFailed, "", api.NewJobError("repository has no content version to snapshot", nil))
	}

	if err := s.distribute(ctx, client, repo, prefix, date, publicationHref, logger); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			state, jobErr := abandoned(ctxErr, "during the distribution update")
			return record(state, taskHref, jobErr)
		}
		logger.WithError(err).Error("Failed to point the snapshot distribution at the publication.")
		return record(api.RepoResultFailed, taskHref, jobErrorFrom(err))
	}

	logger.WithField("base_path", repo.Name+"/"+date).Info("Repository snapshot created.")
	return record(api.RepoResultCompleted, taskHref, nil)
}

// publish renders the publication the snapshot will pin and returns its
// href. The returned task href is empty when an existing publication was
// reused. An empty publication href with a nil error means the repository
// has no version to publish.
func (s *Snapshotter) publish(ctx context.Context, client *pulp.Client, repo pulp.Repository, signingHref string, allowReuse bool, logger *logrus.Entry) (string, string, error) {
	current, err := client.GetRepositoryByName(ctx, repo.Kind, repo.Name)
	if err != nil {
		return "", "", err
	}
	if current == nil {
		return "", "", fmt.Errorf("repository %s disappeared while snapshotting", repo.Name)
	}
	if current.LatestVersionHref == "" {
		return "", "", nil
	}

	// Pulp signs release files during publish, so the service has to be on
	// the repository beforehand. A repository that already carries one,
	// whichever it is, is left alone.
	if signingHref != "" && repo.Kind == api.RepoKindDeb && (current.SigningService == nil || *current.SigningService == "") {
		logger.Debug("Attaching the signing service before publishing.")
		taskHref, err := client.UpdateRepository(ctx, current.PulpHref, map[string]interface{}{"signing_service": signingHref})
		if err != nil {
			return "", "", fmt.Errorf("failed to attach the signing service: %w", err)
		}
		if err := awaitTask(ctx, client, taskHref, "signing service attachment"); err != nil {
			return "", "", err
		}
	}

	if allowReuse {
		existing, err := client.GetPublicationByVersion(ctx, repo.Kind, current.LatestVersionHref)
		if err != nil {
			return "", "", err
		}
		if existing != nil {
			logger.Debug("Reusing the existing publication of the latest version.")
			return existing.PulpHref, "", nil
		}
	}

	flat := false
	if repo.Kind == api.RepoKindDeb && current.Remote != nil && *current.Remote != "" {
		remote, err := client.GetRemote(ctx, *current.Remote)
		if err != nil {
			return "", "", fmt.Errorf("failed to fetch the remote to pick the publication layout: %w", err)
		}
		flat = pulp.DebFlatRemote(remote)
	}

	logger.Debug("Publishing latest repository version.")
	taskHref, err := client.CreatePublication(ctx, repo.Kind, pulp.PublicationFields(repo.Kind, current.LatestVersionHref, flat))
	if err != nil {
		return "", "", fmt.Errorf("failed to submit publication: %w", err)
	}
	task, err := client.WaitForTask(ctx, taskHref)
	if err != nil {
		return "", taskHref, err
	}
	if task.State != pulp.TaskStateCompleted {
		return "", taskHref, api.TagErrorf(api.ErrorPulpTaskFailed, "publication finished %s: %s", task.State, task.ErrorDescription())
	}
	publicationHref := task.CreatedResource("/publications/")
	if publicationHref == "" {
		return "", taskHref, fmt.Errorf("publication task %s reported no created publication", taskHref)
	}
	return publicationHref, taskHref, nil
}

// distribute pins the publication under the dated serving path. The
// distribution name carries the snapshot prefix, so one snapshot line can
// be advanced run over run without disturbing lines made under other
// prefixes.
func (s *Snapshotter) distribute(ctx context.Context, client *pulp.Client, repo pulp.Repository, prefix, date, publicationHref string, logger *logrus.Entry) error {
	name := prefix + "-" + repo.Name
	basePath := repo.Name + "/" + date

	existing, err := client.GetDistributionByName(ctx, repo.Kind, name)
	if err != nil {
		return err
	}
	if existing == nil {
		taskHref, err := client.CreateDistribution(ctx, repo.Kind, map[string]interface{}{
			"name":        name,
			"base_path":   basePath,
			"publication": publicationHref,
		})
		if err != nil {
			return fmt.Errorf("failed to submit distribution: %w", err)
		}
		return awaitTask(ctx, client, taskHref, "distribution creation")
	}

	fields := map[string]interface{}{}
	if existing.BasePath != basePath {
		fields["base_path"] = basePath
	}
	if existing.Publication == nil || *existing.Publication != publicationHref {
		fields["publication"] = publicationHref
	}
	if existing.Repository != nil && *existing.Repository != "" {
		// A repository binding would track future versions instead of
		// freezing this one.
		fields["repository"] = nil
	}
	if len(fields) == 0 {
		logger.Debug("Snapshot distribution is already current.")
		return nil
	}
	taskHref, err := client.UpdateDistribution(ctx, existing.PulpHref, fields)
	if err != nil {
		return fmt.Errorf("failed to submit distribution update: %w", err)
	}
	return awaitTask(ctx, client, taskHref, "distribution update")
}

func awaitTask(ctx context.Context, client *pulp.Client, taskHref, what string) error {
	task, err := client.WaitForTask(ctx, taskHref)
	if err != nil {
		return err
	}
	if task.State != pulp.TaskStateCompleted {
		return api.TagErrorf(api.ErrorPulpTaskFailed, "%s finished %s: %s", what, task.State, task.ErrorDescription())
	}
	return nil
}

func (s *Snapshotter) stage(ctx context.Context, jobID int64, name string, detail interface{}, logger *logrus.Entry) {
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
		return api.RepoResultCanceled, api.NewJobError("snapshot canceled "+detail, nil)
	}
	return api.RepoResultTimedOut, api.NewJobError("snapshot deadline expired "+detail, nil)
}

// apiErrorDetail renders a pulp response body for storage. Bodies that are
// not JSON are wrapped as a string so the stored payload stays valid.
func apiErrorDetail(apiErr *pulp.APIError) interface{} {
	if json.Valid(apiErr.Body) {
		return json.RawMessage(apiErr.Body)
	}
	return string(apiErr.Body)
}

// jobErrorFrom renders a snapshot failure for storage, keeping pulp
// response payloads intact.
func jobErrorFrom(err error) *api.JobError {
	apiErr := &pulp.APIError{}
	if errors.As(err, &apiErr) {
		return api.NewJobError(fmt.Sprintf("pulp answered %d during the snapshot", apiErr.StatusCode), apiErrorDetail(apiErr))
	}
	return api.NewJobError(err.Error(), nil)
}

// aggregateError reduces the per-repo outcomes to the job-level error. A
// cancel always wins, then any failure.
func aggregateError(ctx context.Context, outcomes []api.RepoResultState) error {
	var completed, failed, canceled int
	for _, state := range outcomes {
		switch state {
		case api.RepoResultCompleted:
			completed++
		case api.RepoResultFailed, api.RepoResultTimedOut:
			failed++
		case api.RepoResultCanceled:
			canceled++
		}
	}
	total := len(outcomes)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return api.TagErrorf(api.ErrorCanceled, "snapshot canceled: %d of %d repositories completed", completed, total)
	case failed > 0 || canceled > 0:
		return fmt.Errorf("%d of %d repositories failed to snapshot", failed+canceled, total)
	default:
		return nil
	}
}
