package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/auth"
	"github.com/pulp-ops/pulp-manager/pkg/config"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/pulp"
	"github.com/pulp-ops/pulp-manager/pkg/scheduler"
	"github.com/pulp-ops/pulp-manager/pkg/worker"
)

// manager owns the HTTP API. Handlers read the fleet catalog through the
// holder so a SIGHUP reload is visible without restarting the server.
type manager struct {
	app         *config.App
	fleet       *config.Holder
	store       jobstore.Store
	scheduler   *scheduler.Scheduler
	worker      *worker.Worker
	auth        *auth.Authenticator
	credentials worker.CredentialResolver

	connectTimeout time.Duration
	readTimeout    time.Duration
	rootCAFile     string
	pageSize       int
	forceDryRun    bool
}

func (m *manager) mux() *instrumentedRouter {
	router := newInstrumentedRouter()
	router.RedirectTrailingSlash = false

	user := func(h func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params)) httprouter.Handle {
		return m.auth.Require(false, loggingWrapper(h))
	}
	admin := func(h func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params)) httprouter.Handle {
		return m.auth.Require(true, loggingWrapper(h))
	}

	router.GET("/healthz", simpleLoggingWrapper(healthHandler))
	router.POST("/api/v1/auth/login", loggingWrapper(m.login))

	router.GET("/api/v1/pulp-servers", user(m.listServers))
	router.GET("/api/v1/pulp-servers/:name", user(m.getServer))
	router.GET("/api/v1/pulp-servers/:name/repos", user(m.listServerRepos))
	router.GET("/api/v1/pulp-servers/:name/health", user(m.serverHealth))
	router.GET("/api/v1/pulp-servers/:name/repos/:repo/packages", user(m.findPackages))
	router.POST("/api/v1/pulp-servers/:name/sync", admin(m.enqueueSync))
	router.POST("/api/v1/pulp-servers/:name/snapshot", admin(m.enqueueSnapshot))
	router.POST("/api/v1/pulp-servers/:name/reconcile", admin(m.enqueueReconcile))
	router.POST("/api/v1/pulp-servers/:name/repos/:repo/remove-content", admin(m.removeContent))

	router.GET("/api/v1/jobs", user(m.listJobs))
	router.GET("/api/v1/jobs/:id", user(m.getJob))
	router.POST("/api/v1/jobs/:id/cancel", admin(m.cancelJob))

	return router
}

func healthHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(l *logrus.Entry, w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		l.WithError(err).Error("failed to write response")
	}
}

func writeError(l *logrus.Entry, w http.ResponseWriter, status int, msg string) {
	writeJSON(l, w, status, map[string]string{"error": msg})
}

func internalError(l *logrus.Entry, w http.ResponseWriter, err error, what string) {
	l.WithError(err).Error(what)
	writeError(l, w, http.StatusInternalServerError, fmt.Sprintf("%s. RequestID: %s", what, l.Data["UID"]))
}

// upstreamStatus maps a failed live pulp call to the status the API answers
// with: our own configuration or secret problems are 500s, everything the
// managed server did wrong is a 502.
func upstreamStatus(err error) int {
	if api.IsCredentialsUnavailable(err) || api.IsConfigInvalid(err) {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

// listPage is the envelope of every paged listing.
type listPage struct {
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Results  interface{} `json:"results"`
}

// pageBounds parses the page and page_size query parameters against the
// configured paging limits.
func (m *manager) pageBounds(r *http.Request) (page, pageSize int, err error) {
	page, pageSize = 1, m.app.Paging.DefaultPageSize
	if raw := r.URL.Query().Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer, got %q", raw)
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if pageSize, err = strconv.Atoi(raw); err != nil || pageSize < 1 {
			return 0, 0, fmt.Errorf("page_size must be a positive integer, got %q", raw)
		}
		if pageSize > m.app.Paging.MaxPageSize {
			pageSize = m.app.Paging.MaxPageSize
		}
	}
	return page, pageSize, nil
}

// clientFor builds a pulp client for the named server from the active fleet
// catalog and its vault credentials.
func (m *manager) clientFor(name string) (*pulp.Client, error) {
	catalog := m.fleet.Get()
	server := catalog.Server(name)
	if server == nil {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "pulp server %q is not in the fleet config", name)
	}
	ref, ok := catalog.Credentials[server.CredentialsRef]
	if !ok {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "pulp server %q references unknown credentials %q", name, server.CredentialsRef)
	}
	credentials, err := m.credentials.Resolve(ref)
	if err != nil {
		return nil, err
	}
	client, err := pulp.NewClient(pulp.Options{
		BaseURL:        server.BaseURL,
		Username:       credentials.Username,
		Password:       credentials.Password,
		ConnectTimeout: m.connectTimeout,
		ReadTimeout:    m.readTimeout,
		RootCAFile:     m.rootCAFile,
		PageSize:       m.pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build a pulp client for %s: %w", name, err)
	}
	return client, nil
}

func (m *manager) login(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf(`failed to decode request body: %v, expected format: {"username": "...", "password": "..."}`, err))
		return
	}
	identity, err := m.auth.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if auth.IsInvalidCredentials(err) {
			writeError(l, w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		internalError(l, w, err, "failed to authenticate")
		return
	}
	token, err := m.auth.Token(identity)
	if err != nil {
		internalError(l, w, err, "failed to sign the token")
		return
	}
	l.WithFields(logrus.Fields{"user": identity.Username, "admin": identity.Admin}).Info("User logged in.")
	writeJSON(l, w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"username":     identity.Username,
		"groups":       identity.Groups,
		"admin":        identity.Admin,
	})
}

func (m *manager) listServers(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	page, pageSize, err := m.pageBounds(r)
	if err != nil {
		writeError(l, w, http.StatusBadRequest, err.Error())
		return
	}
	servers, err := m.store.Servers(r.Context())
	if err != nil {
		internalError(l, w, err, "failed to list pulp servers")
		return
	}
	writeJSON(l, w, http.StatusOK, listPage{Page: page, PageSize: pageSize, Results: slicePage(servers, page, pageSize)})
}

// slicePage cuts one page out of an already loaded listing.
func slicePage[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

type serverDetail struct {
	api.PulpServer
	RepoGroups []api.ServerRepoGroup `json:"repo_groups,omitempty"`
}

func (m *manager) getServer(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	servers, err := m.store.Servers(r.Context())
	if err != nil {
		internalError(l, w, err, "failed to load the pulp server")
		return
	}
	for _, server := range servers {
		if server.Name == name {
			writeJSON(l, w, http.StatusOK, serverDetail{PulpServer: server, RepoGroups: m.fleet.Get().BindingsFor(name)})
			return
		}
	}
	writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
}

func (m *manager) listServerRepos(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if m.fleet.Get().Server(name) == nil {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
		return
	}
	client, err := m.clientFor(name)
	if err != nil {
		l.WithError(err).Error("failed to build a pulp client")
		writeError(l, w, upstreamStatus(err), fmt.Sprintf("failed to reach the pulp server. RequestID: %s", l.Data["UID"]))
		return
	}
	inventory, err := client.ListAllRepositories(r.Context())
	if err != nil {
		l.WithError(err).Error("failed to list repositories")
		writeError(l, w, upstreamStatus(err), fmt.Sprintf("failed to list repositories. RequestID: %s", l.Data["UID"]))
		return
	}
	nameFilter := r.URL.Query().Get("name")
	repos := make([]api.PulpServerRepo, 0, len(inventory))
	for _, repo := range inventory {
		if nameFilter != "" && !strings.Contains(repo.Name, nameFilter) {
			continue
		}
		entry := api.PulpServerRepo{Server: name, Name: repo.Name, Kind: repo.Kind, Href: repo.PulpHref}
		if repo.Remote != nil {
			entry.RemoteHref = *repo.Remote
		}
		repos = append(repos, entry)
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{"count": len(repos), "results": repos})
}

var healthRank = map[api.HealthStatus]int{api.HealthGreen: 0, api.HealthAmber: 1, api.HealthRed: 2}

func (m *manager) serverHealth(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if m.fleet.Get().Server(name) == nil {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
		return
	}
	health, err := m.store.SyncHealthForServer(r.Context(), name)
	if err != nil {
		internalError(l, w, err, "failed to load sync health")
		return
	}
	status := api.HealthGreen
	for _, h := range health {
		if healthRank[h.Status] > healthRank[status] {
			status = h.Status
		}
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{"server": name, "status": status, "repos": health})
}

func (m *manager) enqueueSync(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if m.fleet.Get().Server(name) == nil {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
		return
	}
	var syncParams api.SyncParams
	if err := json.NewDecoder(r.Body).Decode(&syncParams); err != nil {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf("failed to decode request body: %v", err))
		return
	}
	if err := syncParams.Validate(); err != nil {
		writeError(l, w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := m.scheduler.Enqueue(r.Context(), api.JobKindSync, name, &syncParams)
	if err != nil {
		internalError(l, w, err, "failed to enqueue the sync job")
		return
	}
	writeJSON(l, w, http.StatusAccepted, map[string]int64{"id": id})
}

func (m *manager) enqueueSnapshot(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	server := m.fleet.Get().Server(name)
	if server == nil {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
		return
	}
	if !server.SnapshotSupported {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf("pulp server %q does not support snapshots", name))
		return
	}
	var snapParams api.SnapshotParams
	if err := json.NewDecoder(r.Body).Decode(&snapParams); err != nil {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf("failed to decode request body: %v", err))
		return
	}
	// The concurrency cap is the server's to set, not the caller's.
	snapParams.MaxConcurrentSnapshots = server.MaxConcurrentSnapshots
	if err := snapParams.Validate(); err != nil {
		writeError(l, w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := m.scheduler.Enqueue(r.Context(), api.JobKindSnapshot, name, &snapParams)
	if err != nil {
		internalError(l, w, err, "failed to enqueue the snapshot job")
		return
	}
	writeJSON(l, w, http.StatusAccepted, map[string]int64{"id": id})
}

func (m *manager) enqueueReconcile(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if m.fleet.Get().Server(name) == nil {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
		return
	}
	var recParams api.ReconcileParams
	if err := json.NewDecoder(r.Body).Decode(&recParams); err != nil && !errors.Is(err, io.EOF) {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf("failed to decode request body: %v", err))
		return
	}
	if m.forceDryRun {
		recParams.DryRun = true
	}
	id, err := m.scheduler.Enqueue(r.Context(), api.JobKindReconcile, name, &recParams)
	if err != nil {
		internalError(l, w, err, "failed to enqueue the reconcile job")
		return
	}
	writeJSON(l, w, http.StatusAccepted, map[string]int64{"id": id})
}

func (m *manager) listJobs(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	page, pageSize, err := m.pageBounds(r)
	if err != nil {
		writeError(l, w, http.StatusBadRequest, err.Error())
		return
	}
	filter := jobstore.Filter{
		Server: r.URL.Query().Get("server"),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind, err := api.ParseJobKind(raw)
		if err != nil {
			writeError(l, w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Kind = kind
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := api.ParseJobState(raw)
		if err != nil {
			writeError(l, w, http.StatusBadRequest, err.Error())
			return
		}
		filter.State = state
	}
	jobs, err := m.store.List(r.Context(), filter)
	if err != nil {
		internalError(l, w, err, "failed to list jobs")
		return
	}
	writeJSON(l, w, http.StatusOK, listPage{Page: page, PageSize: pageSize, Results: jobs})
}

type jobDetail struct {
	api.Job
	RepoResults []api.RepoTaskResult `json:"repo_results,omitempty"`
	Stages      []api.JobStage       `json:"stages,omitempty"`
}

func (m *manager) getJob(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := strconv.ParseInt(params.ByName("id"), 10, 64)
	if err != nil {
		writeError(l, w, http.StatusBadRequest, "job id must be an integer")
		return
	}
	job, err := m.store.Get(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("job %d not found", id))
		return
	}
	if err != nil {
		internalError(l, w, err, "failed to load the job")
		return
	}
	detail := jobDetail{Job: *job}
	if detail.RepoResults, err = m.store.RepoResults(r.Context(), id); err != nil {
		internalError(l, w, err, "failed to load the job's repo results")
		return
	}
	if detail.Stages, err = m.store.Stages(r.Context(), id); err != nil {
		internalError(l, w, err, "failed to load the job's stages")
		return
	}
	writeJSON(l, w, http.StatusOK, detail)
}

func (m *manager) cancelJob(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := strconv.ParseInt(params.ByName("id"), 10, 64)
	if err != nil {
		writeError(l, w, http.StatusBadRequest, "job id must be an integer")
		return
	}
	job, err := m.store.Get(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("job %d not found", id))
		return
	}
	if err != nil {
		internalError(l, w, err, "failed to load the job")
		return
	}

	switch job.State {
	case api.JobStateQueued:
		if err := m.store.MarkTerminal(r.Context(), id, api.JobStateCanceled, api.NewJobError("canceled_by_user", nil)); err != nil {
			internalError(l, w, err, "failed to cancel the queued job")
			return
		}
		// The claim may have raced the mark, stop the run if one started.
		m.worker.Cancel(id)
		l.WithField("job", id).Info("Canceled a queued job.")
		writeJSON(l, w, http.StatusOK, map[string]string{"state": string(api.JobStateCanceled)})
	case api.JobStateRunning:
		if !m.worker.Cancel(id) {
			writeError(l, w, http.StatusConflict, fmt.Sprintf("job %d is running on worker %q, cancel it there", id, job.Owner))
			return
		}
		l.WithField("job", id).Info("Canceling a running job.")
		writeJSON(l, w, http.StatusAccepted, map[string]string{"state": "canceling"})
	default:
		writeError(l, w, http.StatusConflict, fmt.Sprintf("job %d is already %s", id, job.State))
	}
}

func (m *manager) findPackages(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name, repoName := params.ByName("name"), params.ByName("repo")
	if m.fleet.Get().Server(name) == nil {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
		return
	}
	filter := pulp.PackageFilter{
		Name:    r.URL.Query().Get("name"),
		Version: r.URL.Query().Get("version"),
		SHA256:  r.URL.Query().Get("sha256"),
	}
	if filter.Name == "" && filter.Version == "" && filter.SHA256 == "" {
		writeError(l, w, http.StatusBadRequest, "at least one of the name, version or sha256 query parameters must be set")
		return
	}
	client, repo, status, err := m.findRepo(r, name, repoName)
	if err != nil {
		l.WithError(err).Error("failed to resolve the repository")
		writeError(l, w, status, fmt.Sprintf("%v. RequestID: %s", err, l.Data["UID"]))
		return
	}
	if !pulp.HasPackageContent(repo.Kind) {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf("%s repositories do not expose package content", repo.Kind))
		return
	}
	if repo.LatestVersionHref == "" {
		writeJSON(l, w, http.StatusOK, map[string]interface{}{"count": 0, "results": []pulp.PackageDetail{}})
		return
	}
	packages, err := client.FindPackages(r.Context(), repo.Kind, repo.LatestVersionHref, filter)
	if err != nil {
		l.WithError(err).Error("failed to search packages")
		writeError(l, w, upstreamStatus(err), fmt.Sprintf("failed to search packages. RequestID: %s", l.Data["UID"]))
		return
	}
	writeJSON(l, w, http.StatusOK, map[string]interface{}{"count": len(packages), "results": packages})
}

// findRepo builds a client for the server and locates the named repository
// on it. The returned status is meaningful only with a non-nil error.
func (m *manager) findRepo(r *http.Request, server, repoName string) (*pulp.Client, *pulp.Repository, int, error) {
	client, err := m.clientFor(server)
	if err != nil {
		return nil, nil, upstreamStatus(err), fmt.Errorf("failed to reach the pulp server")
	}
	inventory, err := client.ListAllRepositories(r.Context())
	if err != nil {
		return nil, nil, upstreamStatus(err), fmt.Errorf("failed to list repositories")
	}
	for i := range inventory {
		if inventory[i].Name == repoName {
			return client, &inventory[i], 0, nil
		}
	}
	return nil, nil, http.StatusNotFound, fmt.Errorf("repository %q not found on %s", repoName, server)
}

func (m *manager) removeContent(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name, repoName := params.ByName("name"), params.ByName("repo")
	if m.fleet.Get().Server(name) == nil {
		writeError(l, w, http.StatusNotFound, fmt.Sprintf("pulp server %q not found", name))
		return
	}
	var body struct {
		ContentHrefs []string `json:"content_hrefs"`
		ForcePublish bool     `json:"force_publish"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf(`failed to decode request body: %v, expected format: {"content_hrefs": ["..."], "force_publish": false}`, err))
		return
	}
	if len(body.ContentHrefs) == 0 {
		writeError(l, w, http.StatusBadRequest, "content_hrefs must name at least one content unit")
		return
	}
	client, repo, status, err := m.findRepo(r, name, repoName)
	if err != nil {
		l.WithError(err).Error("failed to resolve the repository")
		writeError(l, w, status, fmt.Sprintf("%v. RequestID: %s", err, l.Data["UID"]))
		return
	}
	if !pulp.HasPackageContent(repo.Kind) {
		writeError(l, w, http.StatusBadRequest, fmt.Sprintf("%s repositories do not expose package content", repo.Kind))
		return
	}

	l = l.WithFields(logrus.Fields{"server": name, "repo": repoName, "units": len(body.ContentHrefs)})
	modifyTask, err := client.ModifyRepository(r.Context(), repo.PulpHref, nil, body.ContentHrefs)
	if err != nil {
		l.WithError(err).Error("failed to submit the content removal")
		writeError(l, w, upstreamStatus(err), fmt.Sprintf("failed to submit the content removal. RequestID: %s", l.Data["UID"]))
		return
	}
	task, err := client.WaitForTask(r.Context(), modifyTask)
	if err != nil {
		l.WithError(err).Error("failed to await the content removal")
		writeError(l, w, upstreamStatus(err), fmt.Sprintf("failed to await the content removal. RequestID: %s", l.Data["UID"]))
		return
	}
	if task.State != pulp.TaskStateCompleted {
		l.WithField("task_state", task.State).Error("content removal task did not complete")
		writeError(l, w, http.StatusBadGateway, fmt.Sprintf("content removal finished %s: %s", task.State, task.ErrorDescription()))
		return
	}

	versionHref := task.CreatedResource("/versions/")
	if versionHref == "" && !body.ForcePublish {
		l.Info("Content removal changed nothing.")
		writeJSON(l, w, http.StatusOK, map[string]interface{}{"modify_task": modifyTask, "changed": false})
		return
	}
	if versionHref == "" {
		versionHref = repo.LatestVersionHref
	}

	publishTask, err := m.republish(r, client, repo, versionHref)
	if err != nil {
		l.WithError(err).Error("failed to republish after the content removal")
		writeError(l, w, upstreamStatus(err), fmt.Sprintf("content was removed but the republish failed. RequestID: %s", l.Data["UID"]))
		return
	}
	l.Info("Removed content and republished.")
	writeJSON(l, w, http.StatusOK, map[string]interface{}{
		"modify_task":        modifyTask,
		"publish_task":       publishTask,
		"repository_version": versionHref,
		"changed":            true,
	})
}

// republish renders a publication for the repository version left behind by
// a content removal so the serving path stops offering the removed units.
func (m *manager) republish(r *http.Request, client *pulp.Client, repo *pulp.Repository, versionHref string) (string, error) {
	flat := false
	if repo.Kind == api.RepoKindDeb && repo.Remote != nil && *repo.Remote != "" {
		remote, err := client.GetRemote(r.Context(), *repo.Remote)
		if err != nil {
			return "", fmt.Errorf("failed to fetch the remote to pick the publication layout: %w", err)
		}
		flat = pulp.DebFlatRemote(remote)
	}
	taskHref, err := client.CreatePublication(r.Context(), repo.Kind, pulp.PublicationFields(repo.Kind, versionHref, flat))
	if err != nil {
		return "", fmt.Errorf("failed to submit the publication: %w", err)
	}
	task, err := client.WaitForTask(r.Context(), taskHref)
	if err != nil {
		return taskHref, err
	}
	if task.State != pulp.TaskStateCompleted {
		return taskHref, api.TagErrorf(api.ErrorPulpTaskFailed, "publication finished %s: %s", task.State, task.ErrorDescription())
	}
	return taskHref, nil
}
