package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

// InMemory implements Store with a mutex over plain maps. It backs tests
// and the --store=memory dev mode and must match the Postgres semantics
// observable through the interface.
type InMemory struct {
	lock         sync.Mutex
	nextJobID    int64
	nextResultID int64
	nextStageID  int64
	jobs         map[int64]*api.Job
	results      map[int64][]api.RepoTaskResult
	stages       map[int64][]api.JobStage
	health       map[string]api.SyncHealth
	servers      map[string]api.PulpServer
	groups       map[string]api.RepoGroup
	bindings     map[string]api.ServerRepoGroup
	serverRepos  map[string][]api.PulpServerRepo

	// now is swapped in tests that assert on timestamps.
	now func() time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		jobs:        map[int64]*api.Job{},
		results:     map[int64][]api.RepoTaskResult{},
		stages:      map[int64][]api.JobStage{},
		health:      map[string]api.SyncHealth{},
		servers:     map[string]api.PulpServer{},
		groups:      map[string]api.RepoGroup{},
		bindings:    map[string]api.ServerRepoGroup{},
		serverRepos: map[string][]api.PulpServerRepo{},
		now:         time.Now,
	}
}

func (s *InMemory) Create(_ context.Context, parentID *int64, kind api.JobKind, server string, params json.RawMessage) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextJobID++
	job := &api.Job{
		ID:         s.nextJobID,
		Kind:       kind,
		Server:     server,
		State:      api.JobStateQueued,
		EnqueuedAt: s.now(),
		Params:     append(json.RawMessage(nil), params...),
	}
	if parentID != nil {
		id := *parentID
		job.ParentID = &id
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (s *InMemory) Claim(_ context.Context, jobID int64, owner string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if job.State != api.JobStateQueued {
		return false, nil
	}
	started := s.now()
	job.State = api.JobStateRunning
	job.Owner = owner
	job.StartedAt = &started
	return true, nil
}

func (s *InMemory) MarkTerminal(_ context.Context, jobID int64, state api.JobState, jobErr *api.JobError) error {
	if err := validateTerminal(state); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.State.Terminal() {
		if job.State == state {
			return nil
		}
		return terminalConflictError(jobID, job.State, state)
	}
	finished := s.now()
	job.State = state
	job.FinishedAt = &finished
	job.Error = copyJobError(jobErr)
	return nil
}

func (s *InMemory) Get(_ context.Context, jobID int64) (*api.Job, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *InMemory) List(_ context.Context, filter Filter) ([]api.Job, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var matched []api.Job
	for _, job := range s.jobs {
		if filter.Server != "" && job.Server != filter.Server {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.ParentID != nil && (job.ParentID == nil || *job.ParentID != *filter.ParentID) {
			continue
		}
		matched = append(matched, *copyJob(job))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return pageJobs(matched, filter.Offset, filter.Limit), nil
}

func (s *InMemory) ListActive(_ context.Context, server string, kind api.JobKind) ([]api.Job, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var active []api.Job
	for _, job := range s.jobs {
		if job.Server != server || job.Kind != kind {
			continue
		}
		if job.State != api.JobStateQueued && job.State != api.JobStateRunning {
			continue
		}
		active = append(active, *copyJob(job))
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

func (s *InMemory) RecoverAbandoned(_ context.Context, owner string) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	recovered := 0
	for _, job := range s.jobs {
		if job.State != api.JobStateRunning {
			continue
		}
		if owner != "" && job.Owner != owner {
			continue
		}
		finished := s.now()
		job.State = api.JobStateFailed
		job.FinishedAt = &finished
		job.Error = &api.JobError{Msg: WorkerCrashedMsg}
		recovered++
	}
	return recovered, nil
}

func (s *InMemory) RecordRepoResult(_ context.Context, result api.RepoTaskResult) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.jobs[result.JobID]; !ok {
		return fmt.Errorf("cannot record result for unknown job %d", result.JobID)
	}
	s.nextResultID++
	result.ID = s.nextResultID
	result.Error = copyJobError(result.Error)
	s.results[result.JobID] = append(s.results[result.JobID], result)
	return nil
}

func (s *InMemory) RepoResults(_ context.Context, jobID int64) ([]api.RepoTaskResult, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]api.RepoTaskResult(nil), s.results[jobID]...), nil
}

func (s *InMemory) RecentRepoResults(_ context.Context, server, repoName string, limit int) ([]api.RepoTaskResult, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var matched []api.RepoTaskResult
	for jobID, results := range s.results {
		job, ok := s.jobs[jobID]
		if !ok || job.Server != server || job.Kind != api.JobKindSync {
			continue
		}
		for _, result := range results {
			if result.RepoName == repoName {
				matched = append(matched, result)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].FinishedAt.Equal(matched[j].FinishedAt) {
			return matched[i].FinishedAt.After(matched[j].FinishedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *InMemory) RecordStage(_ context.Context, stage api.JobStage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.jobs[stage.JobID]; !ok {
		return fmt.Errorf("cannot record stage for unknown job %d", stage.JobID)
	}
	s.nextStageID++
	stage.ID = s.nextStageID
	if stage.CreatedAt.IsZero() {
		stage.CreatedAt = s.now()
	}
	stage.Detail = append(json.RawMessage(nil), stage.Detail...)
	stage.Error = copyJobError(stage.Error)
	s.stages[stage.JobID] = append(s.stages[stage.JobID], stage)
	return nil
}

func (s *InMemory) Stages(_ context.Context, jobID int64) ([]api.JobStage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]api.JobStage(nil), s.stages[jobID]...), nil
}

func (s *InMemory) UpsertSyncHealth(_ context.Context, health api.SyncHealth) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.health[health.Server+"/"+health.RepoName] = health
	return nil
}

func (s *InMemory) SyncHealthForServer(_ context.Context, server string) ([]api.SyncHealth, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var rows []api.SyncHealth
	for _, h := range s.health {
		if h.Server == server {
			rows = append(rows, h)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RepoName < rows[j].RepoName })
	return rows, nil
}

func (s *InMemory) UpsertServer(_ context.Context, server api.PulpServer) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	server.Active = true
	s.servers[server.Name] = server
	return nil
}

func (s *InMemory) UpsertRepoGroup(_ context.Context, group api.RepoGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	group.Active = true
	s.groups[group.Name] = group
	return nil
}

func (s *InMemory) UpsertBinding(_ context.Context, binding api.ServerRepoGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	binding.Active = true
	s.bindings[binding.Server+"/"+binding.Group] = binding
	return nil
}

func (s *InMemory) DeactivateMissing(_ context.Context, servers, groups []string, bindings [][2]string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	keepServers := map[string]bool{}
	for _, name := range servers {
		keepServers[name] = true
	}
	for name, server := range s.servers {
		if !keepServers[name] {
			server.Active = false
			s.servers[name] = server
		}
	}
	keepGroups := map[string]bool{}
	for _, name := range groups {
		keepGroups[name] = true
	}
	for name, group := range s.groups {
		if !keepGroups[name] {
			group.Active = false
			s.groups[name] = group
		}
	}
	keepBindings := map[string]bool{}
	for _, pair := range bindings {
		keepBindings[pair[0]+"/"+pair[1]] = true
	}
	for key, binding := range s.bindings {
		if !keepBindings[key] {
			binding.Active = false
			s.bindings[key] = binding
		}
	}
	return nil
}

func (s *InMemory) ReplaceServerRepos(_ context.Context, server string, repos []api.PulpServerRepo) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored := make([]api.PulpServerRepo, len(repos))
	copy(stored, repos)
	for i := range stored {
		stored[i].Server = server
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Name < stored[j].Name })
	s.serverRepos[server] = stored
	return nil
}

func (s *InMemory) ServerRepos(_ context.Context, server string) ([]api.PulpServerRepo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]api.PulpServerRepo(nil), s.serverRepos[server]...), nil
}

// Servers returns the catalog servers, active and inactive, sorted by name.
func (s *InMemory) Servers(_ context.Context) ([]api.PulpServer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var servers []api.PulpServer
	for _, server := range s.servers {
		servers = append(servers, server)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

func copyJob(job *api.Job) *api.Job {
	copied := *job
	if job.ParentID != nil {
		id := *job.ParentID
		copied.ParentID = &id
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		copied.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		copied.FinishedAt = &t
	}
	copied.Error = copyJobError(job.Error)
	copied.Params = append(json.RawMessage(nil), job.Params...)
	return &copied
}

func copyJobError(e *api.JobError) *api.JobError {
	if e == nil {
		return nil
	}
	copied := *e
	copied.Detail = append(json.RawMessage(nil), e.Detail...)
	return &copied
}

func pageJobs(jobs []api.Job, offset, limit int) []api.Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}
