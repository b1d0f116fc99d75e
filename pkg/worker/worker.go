// Package worker executes queued jobs. Each Run loop dequeues job ids in
// FIFO order, suppresses duplicates of already running work, claims the job
// for this process and dispatches it to the component owning its kind. Every
// running job gets its own cancel context so operators can stop it through
// the API without touching its neighbors.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/config"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/metrics"
	"github.com/pulp-ops/pulp-manager/pkg/pulp"
	"github.com/pulp-ops/pulp-manager/pkg/queue"
	"github.com/pulp-ops/pulp-manager/pkg/reconciler"
	"github.com/pulp-ops/pulp-manager/pkg/repoconfig"
	"github.com/pulp-ops/pulp-manager/pkg/secrets"
	"github.com/pulp-ops/pulp-manager/pkg/snapshotter"
	"github.com/pulp-ops/pulp-manager/pkg/syncher"
)

// SkippedDuplicateMsg is the error payload message of jobs suppressed by the
// duplicate pre-check before they ever touched pulp.
const SkippedDuplicateMsg = "skipped_duplicate"

// dequeueBackoff is the pause after a failed dequeue so a broken queue does
// not turn the loop into a busy spin.
const dequeueBackoff = time.Second

// CredentialResolver resolves fleet credentials references, typically a
// *secrets.Resolver.
type CredentialResolver interface {
	Resolve(ref config.CredentialsRef) (secrets.Credentials, error)
}

// CatalogSource is the slice of the repo config checkout the worker needs
// for reconcile and catalog registration jobs.
type CatalogSource interface {
	Sync(ctx context.Context) (string, error)
	Dir(sub string) string
}

// Deps wires the worker to its collaborators.
type Deps struct {
	Store       jobstore.Store
	Queue       queue.Queue
	Fleet       *config.Holder
	Credentials CredentialResolver
	Syncher     *syncher.Syncher
	Reconciler  *reconciler.Reconciler
	Snapshotter *snapshotter.Snapshotter
	// RepoConfig yields the declarative catalog checkout. Nil disables
	// reconcile and catalog registration jobs.
	RepoConfig CatalogSource
	// RepoConfigDir is the descriptor directory inside the checkout.
	RepoConfigDir string
	// LoadOptions shape descriptor loading: classification prefix and the
	// optional name rewrite. Selectors are filled in per job.
	LoadOptions repoconfig.LoadOptions
}

// Settings carries the connection knobs for the per-job pulp clients.
type Settings struct {
	// Owner identifies this process in job claims. It must be stable across
	// restarts: crash recovery fails the jobs a previous incarnation left
	// running. Defaults to the hostname.
	Owner string
	// ConnectTimeout and ReadTimeout come from the remotes config section.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RootCAFile optionally adds a private CA for the managed servers.
	RootCAFile string
	// PageSize caps pulp collection pages.
	PageSize int
	// TaskPollInterval overrides the task poll backoff, tests shrink it.
	TaskPollInterval time.Duration
}

// Worker is the process-level job executor. One Worker serves any number of
// concurrent Run loops, they share the claim owner and the cancel registry.
type Worker struct {
	store         jobstore.Store
	queue         queue.Queue
	fleet         *config.Holder
	credentials   CredentialResolver
	syncher       *syncher.Syncher
	reconciler    *reconciler.Reconciler
	snapshotter   *snapshotter.Snapshotter
	repoConfig    CatalogSource
	repoConfigDir string
	loadOpts      repoconfig.LoadOptions
	settings      Settings

	lock    sync.Mutex
	running map[int64]context.CancelFunc
}

// New builds a Worker.
func New(deps Deps, settings Settings) (*Worker, error) {
	for _, required := range []struct {
		name  string
		unset bool
	}{
		{"store", deps.Store == nil},
		{"queue", deps.Queue == nil},
		{"fleet", deps.Fleet == nil},
		{"credentials", deps.Credentials == nil},
		{"syncher", deps.Syncher == nil},
		{"reconciler", deps.Reconciler == nil},
		{"snapshotter", deps.Snapshotter == nil},
	} {
		if required.unset {
			return nil, fmt.Errorf("worker dependency %s must be set", required.name)
		}
	}
	if settings.Owner == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine a worker owner: %w", err)
		}
		settings.Owner = hostname
	}
	return &Worker{
		store:         deps.Store,
		queue:         deps.Queue,
		fleet:         deps.Fleet,
		credentials:   deps.Credentials,
		syncher:       deps.Syncher,
		reconciler:    deps.Reconciler,
		snapshotter:   deps.Snapshotter,
		repoConfig:    deps.RepoConfig,
		repoConfigDir: deps.RepoConfigDir,
		loadOpts:      deps.LoadOptions,
		settings:      settings,
		running:       map[int64]context.CancelFunc{},
	}, nil
}

// Owner returns the claim identity of this worker.
func (w *Worker) Owner() string {
	return w.settings.Owner
}

// Recover fails the running jobs a previous incarnation of this owner left
// behind. Abandoned jobs are never resumed, the scheduler or an operator
// re-enqueues them. Call it once before starting any Run loop.
func (w *Worker) Recover(ctx context.Context) error {
	recovered, err := w.store.RecoverAbandoned(ctx, w.settings.Owner)
	if err != nil {
		return fmt.Errorf("failed to recover abandoned jobs: %w", err)
	}
	if recovered > 0 {
		logrus.WithFields(logrus.Fields{"owner": w.settings.Owner, "jobs": recovered}).Warn("Failed jobs abandoned by a previous worker run.")
	}
	return nil
}

// Run processes jobs until the context ends. It is safe to call from several
// goroutines to raise process-level parallelism.
func (w *Worker) Run(ctx context.Context) error {
	for {
		jobID, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logrus.WithError(err).Error("Failed to dequeue a job, backing off.")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if depth, err := w.queue.Len(ctx); err == nil {
			metrics.SetQueueDepth(depth)
		}
		w.process(ctx, jobID)
	}
}

// Cancel stops the named job if it is running in this process. The job then
// winds down through its component's cancellation path and lands in state
// canceled.
func (w *Worker) Cancel(jobID int64) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	cancel, ok := w.running[jobID]
	if ok {
		cancel()
	}
	return ok
}

func (w *Worker) register(jobID int64, cancel context.CancelFunc) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.running[jobID] = cancel
}

func (w *Worker) deregister(jobID int64) {
	w.lock.Lock()
	defer w.lock.Unlock()
	delete(w.running, jobID)
}

// process drives one dequeued job through its lifecycle: duplicate check,
// claim, dispatch, terminal mark.
func (w *Worker) process(ctx context.Context, jobID int64) {
	logger := logrus.WithField("job", jobID)
	job, err := w.store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		logger.Warn("Dequeued a job the store does not know.")
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to load a dequeued job.")
		return
	}
	logger = logger.WithFields(logrus.Fields{"kind": job.Kind, "server": job.Server})
	if job.State.Terminal() {
		// Canceled while still queued.
		logger.WithField("state", job.State).Debug("Dequeued job is already terminal.")
		return
	}

	if duplicate := w.duplicateOf(ctx, job, logger); duplicate != nil {
		jobErr := api.NewJobError(SkippedDuplicateMsg, map[string]int64{"duplicate_of": duplicate.ID})
		if err := w.store.MarkTerminal(ctx, job.ID, api.JobStateSkipped, jobErr); err != nil {
			logger.WithError(err).Error("Failed to mark a duplicate job skipped.")
			return
		}
		metrics.RecordJobFinished(job.Kind, api.JobStateSkipped)
		logger.WithField("duplicate_of", duplicate.ID).Info("Suppressed a duplicate job.")
		return
	}

	claimed, err := w.store.Claim(ctx, job.ID, w.settings.Owner)
	if err != nil {
		logger.WithError(err).Error("Failed to claim a job.")
		return
	}
	if !claimed {
		logger.Debug("Job was claimed elsewhere or is no longer queued.")
		return
	}
	metrics.RecordJobStarted(job.Kind)
	logger.Info("Job started.")

	jobCtx, cancel := context.WithCancel(ctx)
	w.register(job.ID, cancel)
	runErr := w.dispatch(jobCtx, job, logger)
	w.deregister(job.ID)
	cancel()

	state := api.JobStateSucceeded
	var jobErr *api.JobError
	if runErr != nil {
		state = api.StateForError(runErr)
		jobErr = errorPayload(runErr)
	}
	// The job context may have fired, the terminal mark must still land.
	if err := w.store.MarkTerminal(context.WithoutCancel(ctx), job.ID, state, jobErr); err != nil {
		logger.WithError(err).Error("Failed to mark a job terminal.")
	}
	metrics.RecordJobFinished(job.Kind, state)
	if runErr != nil {
		logger.WithError(runErr).WithField("state", state).Warn("Job finished with an error.")
		return
	}
	logger.Info("Job succeeded.")
}

// duplicateOf returns the running job that already covers this job's work,
// or nil. Only running jobs suppress: of two queued twins the one claimed
// first wins and the later one sees it running.
func (w *Worker) duplicateOf(ctx context.Context, job *api.Job, logger *logrus.Entry) *api.Job {
	active, err := w.store.ListActive(ctx, job.Server, job.Kind)
	if err != nil {
		// The per-repo conflict checks of the components still guard
		// overlapping work, so a failed pre-check does not block the job.
		logger.WithError(err).Warn("Failed to list active jobs for the duplicate pre-check.")
		return nil
	}
	for i := range active {
		other := &active[i]
		if other.ID == job.ID || other.State != api.JobStateRunning {
			continue
		}
		if coversSameWork(job, other, logger.WithField("running_job", other.ID)) {
			return other
		}
	}
	return nil
}

// coversSameWork decides whether a running job of the same kind and server
// makes this one redundant. Reconcile and registration converge the whole
// server, so any running twin counts. Sync and snapshot runs are duplicates
// only when their selectors are identical; partial overlaps are resolved per
// repo by the syncher's conflict pass instead.
func coversSameWork(job, other *api.Job, logger *logrus.Entry) bool {
	switch job.Kind {
	case api.JobKindReconcile, api.JobKindRepoConfigRegistration:
		return true
	case api.JobKindSync:
		var mine, theirs api.SyncParams
		if err := api.DecodeParams(job.Params, &mine); err != nil {
			return false
		}
		if err := api.DecodeParams(other.Params, &theirs); err != nil {
			logger.WithError(err).Warn("Failed to decode the params of a running job, assuming it covers the same work.")
			return true
		}
		return mine.RegexInclude == theirs.RegexInclude && mine.RegexExclude == theirs.RegexExclude
	case api.JobKindSnapshot:
		var mine, theirs api.SnapshotParams
		if err := api.DecodeParams(job.Params, &mine); err != nil {
			return false
		}
		if err := api.DecodeParams(other.Params, &theirs); err != nil {
			logger.WithError(err).Warn("Failed to decode the params of a running job, assuming it covers the same work.")
			return true
		}
		return mine.NormalizedPrefix() == theirs.NormalizedPrefix() &&
			mine.RegexInclude == theirs.RegexInclude &&
			mine.RegexExclude == theirs.RegexExclude
	}
	return false
}

// dispatch routes a claimed job to the component owning its kind and returns
// the error that decides its terminal state.
func (w *Worker) dispatch(ctx context.Context, job *api.Job, logger *logrus.Entry) error {
	client, err := w.clientFor(job.Server)
	if err != nil {
		return err
	}

	switch job.Kind {
	case api.JobKindSync:
		var params api.SyncParams
		if err := api.DecodeParams(job.Params, &params); err != nil {
			return api.TagError(api.ErrorConfigInvalid, err)
		}
		var source *pulp.Client
		if params.SourcePulpServer != "" {
			if source, err = w.clientFor(params.SourcePulpServer); err != nil {
				return err
			}
		}
		return w.syncher.Run(ctx, job, client, source, params)
	case api.JobKindSnapshot:
		var params api.SnapshotParams
		if err := api.DecodeParams(job.Params, &params); err != nil {
			return api.TagError(api.ErrorConfigInvalid, err)
		}
		return w.snapshotter.Run(ctx, job, client, params)
	case api.JobKindReconcile:
		var params api.ReconcileParams
		if err := api.DecodeParams(job.Params, &params); err != nil {
			return api.TagError(api.ErrorConfigInvalid, err)
		}
		descriptors, err := w.loadDescriptors(ctx, "", "", logger)
		if err != nil {
			return err
		}
		return w.reconciler.Reconcile(ctx, job, client, descriptors, params)
	case api.JobKindRepoConfigRegistration:
		var params api.RegistrationParams
		if err := api.DecodeParams(job.Params, &params); err != nil {
			return api.TagError(api.ErrorConfigInvalid, err)
		}
		if params.MaxRuntime != nil && params.MaxRuntime.Duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, params.MaxRuntime.Duration)
			defer cancel()
		}
		if params.Source != "" {
			source, err := w.clientFor(params.Source)
			if err != nil {
				return err
			}
			return w.reconciler.Register(ctx, job, client, source, params.Source, params)
		}
		descriptors, err := w.loadDescriptors(ctx, params.RegexInclude, params.RegexExclude, logger)
		if err != nil {
			return err
		}
		return w.reconciler.Reconcile(ctx, job, client, descriptors, api.ReconcileParams{})
	default:
		return api.TagErrorf(api.ErrorConfigInvalid, "no executor for job kind %q", job.Kind)
	}
}

// clientFor builds a pulp client for the named server from the active fleet
// catalog and its vault credentials.
func (w *Worker) clientFor(name string) (*pulp.Client, error) {
	catalog := w.fleet.Get()
	server := catalog.Server(name)
	if server == nil {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "pulp server %q is not in the fleet config", name)
	}
	ref, ok := catalog.Credentials[server.CredentialsRef]
	if !ok {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "pulp server %q references unknown credentials %q", name, server.CredentialsRef)
	}
	credentials, err := w.credentials.Resolve(ref)
	if err != nil {
		return nil, err
	}
	client, err := pulp.NewClient(pulp.Options{
		BaseURL:          server.BaseURL,
		Username:         credentials.Username,
		Password:         credentials.Password,
		ConnectTimeout:   w.settings.ConnectTimeout,
		ReadTimeout:      w.settings.ReadTimeout,
		RootCAFile:       w.settings.RootCAFile,
		PageSize:         w.settings.PageSize,
		TaskPollInterval: w.settings.TaskPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build a pulp client for %s: %w", name, err)
	}
	return client, nil
}

// loadDescriptors brings the declarative catalog checkout up to date and
// loads the descriptors the selectors keep.
func (w *Worker) loadDescriptors(ctx context.Context, include, exclude string, logger *logrus.Entry) ([]repoconfig.Descriptor, error) {
	if w.repoConfig == nil {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "no repo config checkout is configured, set pulp.git_repo_config")
	}
	commit, err := w.repoConfig.Sync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to update the repo config checkout: %w", err)
	}
	opts := w.loadOpts
	opts.RegexInclude = include
	opts.RegexExclude = exclude
	descriptors, err := repoconfig.Load(w.repoConfig.Dir(w.repoConfigDir), opts)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"commit": commit, "descriptors": len(descriptors)}).Debug("Loaded the repo config catalog.")
	return descriptors, nil
}

// errorPayload renders a job failure for storage, keeping pulp response
// payloads intact.
func errorPayload(err error) *api.JobError {
	apiErr := &pulp.APIError{}
	if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
		detail := interface{}(string(apiErr.Body))
		if json.Valid(apiErr.Body) {
			detail = json.RawMessage(apiErr.Body)
		}
		return api.NewJobError(err.Error(), detail)
	}
	return api.NewJobError(err.Error(), nil)
}
