package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

const (
	connectRetries       = 5
	connectRetryInterval = 2 * time.Second
)

// Connect opens a pgx pool and verifies it with a ping, retrying a few
// times so the manager survives starting before the database does.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = time.Minute

	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		logrus.WithError(err).Warn("Database is not ready yet, will retry.")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
	return nil, fmt.Errorf("failed to connect to the database after %d attempts: %w", connectRetries, lastErr)
}

// Postgres implements Store on a pgx pool with hand-rolled SQL. The claim
// uses a conditional UPDATE and its affected-row count instead of explicit
// locking, so concurrent claimers race safely.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. Callers run Migrate first.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const jobColumns = "id, parent_id, kind, server, state, owner, enqueued_at, started_at, finished_at, error, params"

func (s *Postgres) Create(ctx context.Context, parentID *int64, kind api.JobKind, server string, params json.RawMessage) (int64, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		"INSERT INTO jobs (parent_id, kind, server, params) VALUES ($1, $2, $3, $4) RETURNING id",
		parentID, string(kind), server, []byte(params),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}
	return id, nil
}

func (s *Postgres) Claim(ctx context.Context, jobID int64, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE jobs SET state = 'running', owner = $2, started_at = now() WHERE id = $1 AND state = 'queued'",
		jobID, owner,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Zero rows means the job is past queued or does not exist at all.
	var state string
	if err := s.pool.QueryRow(ctx, "SELECT state FROM jobs WHERE id = $1", jobID).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to check state of job %d: %w", jobID, err)
	}
	return false, nil
}

func (s *Postgres) MarkTerminal(ctx context.Context, jobID int64, state api.JobState, jobErr *api.JobError) error {
	if err := validateTerminal(state); err != nil {
		return err
	}
	payload, err := marshalJobError(jobErr)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE jobs SET state = $2, error = $3, finished_at = now() WHERE id = $1 AND state IN ('queued', 'running')",
		jobID, string(state), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current api.JobState
	if err := s.pool.QueryRow(ctx, "SELECT state FROM jobs WHERE id = $1", jobID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check state of job %d: %w", jobID, err)
	}
	if current == state {
		return nil
	}
	return terminalConflictError(jobID, current, state)
}

func (s *Postgres) Get(ctx context.Context, jobID int64) (*api.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *Postgres) List(ctx context.Context, filter Filter) ([]api.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var clauses []string
	var args []interface{}
	if filter.Server != "" {
		args = append(args, filter.Server)
		clauses = append(clauses, fmt.Sprintf("server = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.ParentID != nil {
		args = append(args, *filter.ParentID)
		clauses = append(clauses, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *Postgres) ListActive(ctx context.Context, server string, kind api.JobKind) ([]api.Job, error) {
	return s.queryJobs(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE server = $1 AND kind = $2 AND state IN ('queued', 'running') ORDER BY id",
		server, string(kind),
	)
}

func (s *Postgres) RecoverAbandoned(ctx context.Context, owner string) (int, error) {
	payload, err := marshalJobError(&api.JobError{Msg: WorkerCrashedMsg})
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE jobs SET state = 'failed', error = $2, finished_at = now() WHERE state = 'running' AND ($1 = '' OR owner = $1)",
		owner, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover abandoned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) RecordRepoResult(ctx context.Context, result api.RepoTaskResult) error {
	payload, err := marshalJobError(result.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO repo_task_results (job_id, repo_name, state, task_href, error, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		result.JobID, result.RepoName, string(result.State), result.TaskHref, payload, result.StartedAt, result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record result for repo %s of job %d: %w", result.RepoName, result.JobID, err)
	}
	return nil
}

const repoResultColumns = "id, job_id, repo_name, state, task_href, error, started_at, finished_at"

func (s *Postgres) RepoResults(ctx context.Context, jobID int64) ([]api.RepoTaskResult, error) {
	return s.queryRepoResults(ctx,
		"SELECT "+repoResultColumns+" FROM repo_task_results WHERE job_id = $1 ORDER BY id",
		jobID,
	)
}

func (s *Postgres) RecentRepoResults(ctx context.Context, server, repoName string, limit int) ([]api.RepoTaskResult, error) {
	return s.queryRepoResults(ctx,
		`SELECT r.id, r.job_id, r.repo_name, r.state, r.task_href, r.error, r.started_at, r.finished_at
		 FROM repo_task_results r
		 JOIN jobs j ON j.id = r.job_id
		 WHERE j.server = $1 AND j.kind = 'sync' AND r.repo_name = $2
		 ORDER BY r.finished_at DESC, r.id DESC
		 LIMIT $3`,
		server, repoName, limit,
	)
}

func (s *Postgres) RecordStage(ctx context.Context, stage api.JobStage) error {
	payload, err := marshalJobError(stage.Error)
	if err != nil {
		return err
	}
	var detail []byte
	if len(stage.Detail) > 0 {
		detail = stage.Detail
	}
	createdAt := stage.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO job_stages (job_id, name, detail, error, created_at) VALUES ($1, $2, $3, $4, $5)",
		stage.JobID, stage.Name, detail, payload, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record stage %s for job %d: %w", stage.Name, stage.JobID, err)
	}
	return nil
}

func (s *Postgres) Stages(ctx context.Context, jobID int64) ([]api.JobStage, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, job_id, name, detail, error, created_at FROM job_stages WHERE job_id = $1 ORDER BY id",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages of job %d: %w", jobID, err)
	}
	defer rows.Close()
	var stages []api.JobStage
	for rows.Next() {
		var stage api.JobStage
		var errPayload []byte
		if err := rows.Scan(&stage.ID, &stage.JobID, &stage.Name, &stage.Detail, &errPayload, &stage.CreatedAt); err != nil {
			return nil, err
		}
		if stage.Error, err = unmarshalJobError(errPayload); err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

func (s *Postgres) UpsertSyncHealth(ctx context.Context, health api.SyncHealth) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO repo_sync_health (server, repo_name, status, checked_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (server, repo_name) DO UPDATE SET status = EXCLUDED.status, checked_at = EXCLUDED.checked_at`,
		health.Server, health.RepoName, string(health.Status), health.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync health of %s/%s: %w", health.Server, health.RepoName, err)
	}
	return nil
}

func (s *Postgres) SyncHealthForServer(ctx context.Context, server string) ([]api.SyncHealth, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT server, repo_name, status, checked_at FROM repo_sync_health WHERE server = $1 ORDER BY repo_name",
		server,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync health of %s: %w", server, err)
	}
	defer rows.Close()
	var health []api.SyncHealth
	for rows.Next() {
		var h api.SyncHealth
		if err := rows.Scan(&h.Server, &h.RepoName, &h.Status, &h.CheckedAt); err != nil {
			return nil, err
		}
		health = append(health, h)
	}
	return health, rows.Err()
}

func (s *Postgres) UpsertServer(ctx context.Context, server api.PulpServer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pulp_servers (name, base_url, credentials_ref, snapshot_supported, max_concurrent_snapshots, active)
		 VALUES ($1, $2, $3, $4, $5, true)
		 ON CONFLICT (name) DO UPDATE SET
		   base_url = EXCLUDED.base_url,
		   credentials_ref = EXCLUDED.credentials_ref,
		   snapshot_supported = EXCLUDED.snapshot_supported,
		   max_concurrent_snapshots = EXCLUDED.max_concurrent_snapshots,
		   active = true`,
		server.Name, server.BaseURL, server.CredentialsRef, server.SnapshotSupported, server.MaxConcurrentSnapshots,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert server %s: %w", server.Name, err)
	}
	return nil
}

func (s *Postgres) UpsertRepoGroup(ctx context.Context, group api.RepoGroup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO repo_groups (name, regex_include, regex_exclude, active) VALUES ($1, $2, $3, true)
		 ON CONFLICT (name) DO UPDATE SET
		   regex_include = EXCLUDED.regex_include,
		   regex_exclude = EXCLUDED.regex_exclude,
		   active = true`,
		group.Name, group.RegexInclude, group.RegexExclude,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert repo group %s: %w", group.Name, err)
	}
	return nil
}

func (s *Postgres) UpsertBinding(ctx context.Context, binding api.ServerRepoGroup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO server_repo_groups (server, group_name, schedule, max_concurrent_sync, max_runtime_seconds, source_server, active)
		 VALUES ($1, $2, $3, $4, $5, $6, true)
		 ON CONFLICT (server, group_name) DO UPDATE SET
		   schedule = EXCLUDED.schedule,
		   max_concurrent_sync = EXCLUDED.max_concurrent_sync,
		   max_runtime_seconds = EXCLUDED.max_runtime_seconds,
		   source_server = EXCLUDED.source_server,
		   active = true`,
		binding.Server, binding.Group, binding.Schedule, binding.MaxConcurrentSync, binding.MaxRuntime.Seconds(), binding.SourceServer,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert binding %s/%s: %w", binding.Server, binding.Group, err)
	}
	return nil
}

func (s *Postgres) DeactivateMissing(ctx context.Context, servers, groups []string, bindings [][2]string) error {
	if servers == nil {
		servers = []string{}
	}
	if groups == nil {
		groups = []string{}
	}
	bindingKeys := make([]string, 0, len(bindings))
	for _, pair := range bindings {
		bindingKeys = append(bindingKeys, pair[0]+"/"+pair[1])
	}
	if _, err := s.pool.Exec(ctx, "UPDATE pulp_servers SET active = false WHERE NOT (name = ANY($1))", servers); err != nil {
		return fmt.Errorf("failed to deactivate removed servers: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "UPDATE repo_groups SET active = false WHERE NOT (name = ANY($1))", groups); err != nil {
		return fmt.Errorf("failed to deactivate removed repo groups: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "UPDATE server_repo_groups SET active = false WHERE NOT (server || '/' || group_name = ANY($1))", bindingKeys); err != nil {
		return fmt.Errorf("failed to deactivate removed bindings: %w", err)
	}
	return nil
}

func (s *Postgres) ReplaceServerRepos(ctx context.Context, server string, repos []api.PulpServerRepo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open inventory transaction for %s: %w", server, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, "DELETE FROM pulp_server_repos WHERE server = $1", server); err != nil {
		return fmt.Errorf("failed to clear inventory of %s: %w", server, err)
	}
	for _, repo := range repos {
		if _, err := tx.Exec(ctx,
			"INSERT INTO pulp_server_repos (server, name, kind, href, remote_href) VALUES ($1, $2, $3, $4, $5)",
			server, repo.Name, string(repo.Kind), repo.Href, repo.RemoteHref,
		); err != nil {
			return fmt.Errorf("failed to record inventory row %s/%s: %w", server, repo.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit inventory of %s: %w", server, err)
	}
	return nil
}

func (s *Postgres) ServerRepos(ctx context.Context, server string) ([]api.PulpServerRepo, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT server, name, kind, href, remote_href FROM pulp_server_repos WHERE server = $1 ORDER BY name",
		server,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory of %s: %w", server, err)
	}
	defer rows.Close()
	var repos []api.PulpServerRepo
	for rows.Next() {
		var repo api.PulpServerRepo
		if err := rows.Scan(&repo.Server, &repo.Name, &repo.Kind, &repo.Href, &repo.RemoteHref); err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (s *Postgres) Servers(ctx context.Context) ([]api.PulpServer, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT name, base_url, credentials_ref, snapshot_supported, max_concurrent_snapshots, active FROM pulp_servers ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()
	var servers []api.PulpServer
	for rows.Next() {
		var server api.PulpServer
		if err := rows.Scan(&server.Name, &server.BaseURL, &server.CredentialsRef, &server.SnapshotSupported, &server.MaxConcurrentSnapshots, &server.Active); err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

func (s *Postgres) queryJobs(ctx context.Context, query string, args ...interface{}) ([]api.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []api.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) queryRepoResults(ctx context.Context, query string, args ...interface{}) ([]api.RepoTaskResult, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query repo results: %w", err)
	}
	defer rows.Close()
	var results []api.RepoTaskResult
	for rows.Next() {
		var result api.RepoTaskResult
		var errPayload []byte
		if err := rows.Scan(&result.ID, &result.JobID, &result.RepoName, &result.State, &result.TaskHref, &errPayload, &result.StartedAt, &result.FinishedAt); err != nil {
			return nil, err
		}
		if result.Error, err = unmarshalJobError(errPayload); err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func scanJob(row pgx.Row) (*api.Job, error) {
	var job api.Job
	var errPayload []byte
	if err := row.Scan(&job.ID, &job.ParentID, &job.Kind, &job.Server, &job.State, &job.Owner, &job.EnqueuedAt, &job.StartedAt, &job.FinishedAt, &errPayload, &job.Params); err != nil {
		return nil, err
	}
	var err error
	if job.Error, err = unmarshalJobError(errPayload); err != nil {
		return nil, err
	}
	return &job, nil
}

func marshalJobError(jobErr *api.JobError) ([]byte, error) {
	if jobErr == nil {
		return nil, nil
	}
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job error: %w", err)
	}
	return payload, nil
}

func unmarshalJobError(payload []byte) (*api.JobError, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	jobErr := &api.JobError{}
	if err := json.Unmarshal(payload, jobErr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job error: %w", err)
	}
	return jobErr, nil
}
