// Package scheduler owns the clock. It keeps one cron entry per scheduled
// fleet binding and enqueues the bound job when an entry fires. Schedules
// are evaluated against the local clock only: firings the process slept
// through are not replayed, the next regular one applies.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/config"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/queue"
)

// fireTimeout bounds the store and queue writes of one firing.
const fireTimeout = 30 * time.Second

// Scheduler keeps the cron entries of the active fleet catalog and hands
// fired jobs to the queue. Ad-hoc jobs from the API layer go through the
// same Enqueue path.
type Scheduler struct {
	store  jobstore.Store
	queue  queue.Queue
	cron   *cron.Cron
	logger *logrus.Entry

	lock    sync.Mutex
	entries []cron.EntryID
}

// New builds a stopped scheduler. Apply registers the catalog's entries,
// Start begins firing them.
func New(store jobstore.Store, q queue.Queue) *Scheduler {
	return &Scheduler{
		store: store,
		queue: q,
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logrus.StandardLogger()))),
		),
		logger: logrus.WithField("component", "scheduler"),
	}
}

// Start begins evaluating schedules against the local clock.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the clock and returns a context that is done once in-flight
// firings have finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Apply replaces the registered entries with the catalog's: one per active
// (server, repo group) binding and one per repo_config_registration. Called
// on startup and again on every fleet config reload.
func (s *Scheduler) Apply(catalog *config.Catalog) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]

	var errs []error
	for _, binding := range catalog.Bindings {
		if !binding.Active {
			continue
		}
		group := catalog.Group(binding.Group)
		if group == nil {
			errs = append(errs, fmt.Errorf("binding %s/%s names an unknown repo group", binding.Server, binding.Group))
			continue
		}
		id, err := s.cron.AddFunc(binding.Schedule, s.fireSync(binding, *group))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to schedule the sync of %s/%s: %w", binding.Server, binding.Group, err))
			continue
		}
		s.entries = append(s.entries, id)
	}
	for _, registration := range catalog.Registrations {
		id, err := s.cron.AddFunc(registration.Schedule, s.fireRegistration(registration, mastersOf(catalog, registration.Server)))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to schedule the registration of %s: %w", registration.Server, err))
			continue
		}
		s.entries = append(s.entries, id)
	}
	s.logger.WithField("entries", len(s.entries)).Info("Registered fleet schedules.")
	return utilerrors.NewAggregate(errs)
}

// Enqueue creates a job record and queues it, returning the job id.
func (s *Scheduler) Enqueue(ctx context.Context, kind api.JobKind, server string, params interface{}) (int64, error) {
	raw, err := api.EncodeParams(params)
	if err != nil {
		return 0, err
	}
	id, err := s.store.Create(ctx, nil, kind, server, raw)
	if err != nil {
		return 0, fmt.Errorf("failed to create the job record: %w", err)
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		// An unqueued job row would sit in state queued forever, fail it
		// so its record tells the truth.
		if markErr := s.store.MarkTerminal(ctx, id, api.JobStateFailed, api.NewJobError("the job could not be handed to the queue", nil)); markErr != nil {
			s.logger.WithError(markErr).WithField("job", id).Error("Failed to mark an unqueueable job failed.")
		}
		return 0, fmt.Errorf("failed to enqueue job %d: %w", id, err)
	}
	return id, nil
}

// fireSync returns the cron entry body of one sync binding.
func (s *Scheduler) fireSync(binding api.ServerRepoGroup, group api.RepoGroup) func() {
	params := api.SyncParams{
		RegexInclude:       group.RegexInclude,
		RegexExclude:       group.RegexExclude,
		MaxConcurrentSyncs: binding.MaxConcurrentSync,
		MaxRuntime:         binding.MaxRuntime,
		SourcePulpServer:   binding.SourceServer,
	}
	logger := s.logger.WithFields(logrus.Fields{"server": binding.Server, "group": binding.Group})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		covered := s.activeTwin(ctx, binding.Server, api.JobKindSync, func(other *api.Job) bool {
			var theirs api.SyncParams
			if err := api.DecodeParams(other.Params, &theirs); err != nil {
				return true
			}
			return theirs.RegexInclude == params.RegexInclude && theirs.RegexExclude == params.RegexExclude
		})
		if covered != 0 {
			logger.WithField("active_job", covered).Info("Skipped a scheduled sync, an active job already covers it.")
			return
		}
		id, err := s.Enqueue(ctx, api.JobKindSync, binding.Server, params)
		if err != nil {
			logger.WithError(err).Error("Failed to enqueue a scheduled sync.")
			return
		}
		logger.WithField("job", id).Info("Enqueued a scheduled sync.")
	}
}

// fireRegistration returns the cron entry body of one registration binding.
// A server whose group bindings name pulp masters registers their catalogs,
// everyone else registers the git-hosted catalog.
func (s *Scheduler) fireRegistration(registration config.RegistrationBinding, masters []string) func() {
	maxRuntime := registration.MaxRuntime
	var paramSets []api.RegistrationParams
	if len(masters) == 0 {
		paramSets = append(paramSets, api.RegistrationParams{MaxRuntime: &maxRuntime})
	}
	for _, master := range masters {
		paramSets = append(paramSets, api.RegistrationParams{Source: master, MaxRuntime: &maxRuntime})
	}
	logger := s.logger.WithField("server", registration.Server)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		covered := s.activeTwin(ctx, registration.Server, api.JobKindRepoConfigRegistration, func(*api.Job) bool { return true })
		if covered != 0 {
			logger.WithField("active_job", covered).Info("Skipped a scheduled registration, an active job already covers it.")
			return
		}
		for _, params := range paramSets {
			id, err := s.Enqueue(ctx, api.JobKindRepoConfigRegistration, registration.Server, params)
			if err != nil {
				logger.WithError(err).Error("Failed to enqueue a scheduled registration.")
				continue
			}
			logger.WithFields(logrus.Fields{"job": id, "source": params.Source}).Info("Enqueued a scheduled registration.")
		}
	}
}

// activeTwin returns the id of a queued or running job of the kind that
// matches, or zero. A failed listing does not block the firing, the
// worker's own duplicate pre-check guards the rest.
func (s *Scheduler) activeTwin(ctx context.Context, server string, kind api.JobKind, matches func(*api.Job) bool) int64 {
	active, err := s.store.ListActive(ctx, server, kind)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list active jobs before a firing.")
		return 0
	}
	for i := range active {
		if matches(&active[i]) {
			return active[i].ID
		}
	}
	return 0
}

// mastersOf collects the distinct source servers of one server's active
// bindings.
func mastersOf(catalog *config.Catalog, server string) []string {
	masters := sets.New[string]()
	for _, binding := range catalog.BindingsFor(server) {
		if binding.Active && binding.SourceServer != "" {
			masters.Insert(binding.SourceServer)
		}
	}
	return sets.List(masters)
}
