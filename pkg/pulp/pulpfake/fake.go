// Package pulpfake is an in-memory pulp server for tests. It implements the
// API surface the manager consumes, runs asynchronous operations through the
// same task pointer pattern as the real thing, and exposes counters so tests
// can assert on submission concurrency and mutation counts.
package pulpfake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

const apiRoot = "/pulp/api/v3/"

// pluginSegments are the collection path segments per repository kind.
var pluginSegments = map[api.RepoKind]string{
	api.RepoKindDeb:       "deb/apt",
	api.RepoKindRPM:       "rpm/rpm",
	api.RepoKindFile:      "file/file",
	api.RepoKindPython:    "python/python",
	api.RepoKindContainer: "container/container",
}

// pathKinds resolves incoming collection paths back to a kind. Publications
// and distributions of the python plugin live under pypi.
var pathKinds = map[string]api.RepoKind{
	"deb/apt":             api.RepoKindDeb,
	"rpm/rpm":             api.RepoKindRPM,
	"file/file":           api.RepoKindFile,
	"python/python":       api.RepoKindPython,
	"python/pypi":         api.RepoKindPython,
	"container/container": api.RepoKindContainer,
}

type resource struct {
	href   string
	kind   api.RepoKind
	fields map[string]interface{}
	// version counts repository versions, zero for other resources.
	version int
}

func (r *resource) name() string {
	name, _ := r.fields["name"].(string)
	return name
}

func (r *resource) versionHref() string {
	return fmt.Sprintf("%sversions/%d/", r.href, r.version)
}

func (r *resource) render() map[string]interface{} {
	out := map[string]interface{}{"pulp_href": r.href}
	for k, v := range r.fields {
		out[k] = v
	}
	if r.version > 0 {
		out["latest_version_href"] = r.versionHref()
	}
	return out
}

type task struct {
	href     string
	name     string
	finishAt time.Time
	failWith string
	created  []string
	isSync   bool
	canceled bool
}

func (t *task) state(now time.Time) string {
	if t.canceled {
		return "canceled"
	}
	if now.Before(t.finishAt) {
		return "running"
	}
	if t.failWith != "" {
		return "failed"
	}
	return "completed"
}

func (t *task) render(now time.Time) map[string]interface{} {
	out := map[string]interface{}{
		"pulp_href": t.href,
		"name":      t.name,
		"state":     t.state(now),
	}
	if t.state(now) == "failed" {
		out["error"] = map[string]interface{}{"description": t.failWith}
	}
	if t.state(now) == "completed" && len(t.created) > 0 {
		out["created_resources"] = t.created
	}
	return out
}

type rejection struct {
	status int
	body   string
}

// Fake is one in-memory pulp server.
type Fake struct {
	mu     sync.Mutex
	server *httptest.Server
	seq    int

	taskDelay time.Duration

	repositories    map[string]*resource
	remotes         map[string]*resource
	distributions   map[string]*resource
	publications    map[string]*resource
	signingServices []map[string]interface{}
	packages        map[string][]string
	tasks           map[string]*task

	syncFailures  map[string]string
	syncRejects   map[string]rejection
	noChangeSyncs map[string]bool
	pubFailures   map[string]string
	mutations     int
	syncPosts     int
	inFlightPeak  int
	taskPeak      int
	cancellations int
}

func New() *Fake {
	f := &Fake{
		repositories:  map[string]*resource{},
		remotes:       map[string]*resource{},
		distributions: map[string]*resource{},
		publications:  map[string]*resource{},
		packages:      map[string][]string{},
		tasks:         map[string]*task{},
		syncFailures:  map[string]string{},
		syncRejects:   map[string]rejection{},
		noChangeSyncs: map[string]bool{},
		pubFailures:   map[string]string{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *Fake) URL() string { return f.server.URL }
func (f *Fake) Close()      { f.server.Close() }

// SetTaskDelay makes every subsequently created task take d to complete.
func (f *Fake) SetTaskDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskDelay = d
}

// FailSync makes sync tasks for the named repository finish as failed with
// the given error description.
func (f *Fake) FailSync(repoName, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncFailures[repoName] = description
}

// RejectSyncSubmit makes the sync POST itself fail for the named repository
// with an HTTP error, before any task is created.
func (f *Fake) RejectSyncSubmit(repoName string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncRejects[repoName] = rejection{status: status, body: body}
}

// NoChangeSync makes syncs of the named repository find nothing new: the
// task completes without creating a repository version.
func (f *Fake) NoChangeSync(repoName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noChangeSyncs[repoName] = true
}

// FailPublication makes publication tasks for the named repository finish
// as failed with the given error description. No publication is created.
func (f *Fake) FailPublication(repoName, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubFailures[repoName] = description
}

// Mutations counts every write call except task cancellations.
func (f *Fake) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

// SyncPosts counts sync submissions.
func (f *Fake) SyncPosts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncPosts
}

// MaxInFlightSyncs reports the highest number of sync tasks that were
// simultaneously non-terminal, sampled at submission time.
func (f *Fake) MaxInFlightSyncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlightPeak
}

// MaxInFlightTasks reports the highest number of tasks of any kind that
// were simultaneously non-terminal, sampled when tasks are created.
func (f *Fake) MaxInFlightTasks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskPeak
}

// TaskCancellations counts cancel requests that hit a live task.
func (f *Fake) TaskCancellations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancellations
}

func (f *Fake) nextID() string {
	f.seq++
	return fmt.Sprintf("%08d-0000-0000-0000-000000000000", f.seq)
}

// AddRepository seeds a repository with one content version and returns its
// href.
func (f *Fake) AddRepository(kind api.RepoKind, name string, fields map[string]interface{}) string {
	return f.addRepository(kind, name, fields, 1)
}

// AddEmptyRepository seeds a repository that has no content version yet,
// like one created but never synced or filled.
func (f *Fake) AddEmptyRepository(kind api.RepoKind, name string, fields map[string]interface{}) string {
	return f.addRepository(kind, name, fields, 0)
}

func (f *Fake) addRepository(kind api.RepoKind, name string, fields map[string]interface{}, version int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := map[string]interface{}{"name": name}
	for k, v := range fields {
		merged[k] = v
	}
	href := fmt.Sprintf("%srepositories/%s/%s/", apiRoot, pluginSegments[kind], f.nextID())
	f.repositories[href] = &resource{href: href, kind: kind, fields: merged, version: version}
	return href
}

// AddRemote seeds a remote and returns its href.
func (f *Fake) AddRemote(kind api.RepoKind, name, url string, fields map[string]interface{}) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := map[string]interface{}{"name": name, "url": url}
	for k, v := range fields {
		merged[k] = v
	}
	href := fmt.Sprintf("%sremotes/%s/%s/", apiRoot, pluginSegments[kind], f.nextID())
	f.remotes[href] = &resource{href: href, kind: kind, fields: merged}
	return href
}

// AddDistribution seeds a distribution and returns its href.
func (f *Fake) AddDistribution(kind api.RepoKind, name, basePath string, fields map[string]interface{}) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := map[string]interface{}{"name": name, "base_path": basePath}
	for k, v := range fields {
		merged[k] = v
	}
	segments := pluginSegments[kind]
	if kind == api.RepoKindPython {
		segments = "python/pypi"
	}
	href := fmt.Sprintf("%sdistributions/%s/%s/", apiRoot, segments, f.nextID())
	f.distributions[href] = &resource{href: href, kind: kind, fields: merged}
	return href
}

// AddPublication seeds a publication for the given repository version and
// returns its href.
func (f *Fake) AddPublication(kind api.RepoKind, versionHref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	segments := pluginSegments[kind]
	if kind == api.RepoKindPython {
		segments = "python/pypi"
	}
	href := fmt.Sprintf("%spublications/%s/%s/", apiRoot, segments, f.nextID())
	f.publications[href] = &resource{href: href, kind: kind, fields: map[string]interface{}{"repository_version": versionHref}}
	return href
}

// PublicationByVersion returns a rendered copy of the publication for the
// given repository version, or nil.
func (f *Fake) PublicationByVersion(versionHref string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, publication := range f.publications {
		if version, _ := publication.fields["repository_version"].(string); version == versionHref {
			return publication.render()
		}
	}
	return nil
}

// AddSigningService seeds a signing service and returns its href.
func (f *Fake) AddSigningService(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	href := fmt.Sprintf("%ssigning-services/%s/", apiRoot, f.nextID())
	f.signingServices = append(f.signingServices, map[string]interface{}{"pulp_href": href, "name": name})
	return href
}

// AddPackages seeds package content units on the named repository.
func (f *Fake) AddPackages(repoName string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, repo := range f.repositories {
		if repo.name() == repoName {
			f.packages[repo.href] = append(f.packages[repo.href], names...)
			return
		}
	}
	panic(fmt.Sprintf("pulpfake: no repository named %q", repoName))
}

// RepositoryByName returns a rendered copy of the named repository, or nil.
func (f *Fake) RepositoryByName(name string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, repo := range f.repositories {
		if repo.name() == name {
			return repo.render()
		}
	}
	return nil
}

// RemoteByName returns a rendered copy of the named remote, or nil.
func (f *Fake) RemoteByName(name string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, remote := range f.remotes {
		if remote.name() == name {
			return remote.render()
		}
	}
	return nil
}

// DistributionByBasePath returns a rendered copy of the distribution serving
// basePath, or nil.
func (f *Fake) DistributionByBasePath(basePath string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, distribution := range f.distributions {
		if bp, _ := distribution.fields["base_path"].(string); bp == basePath {
			return distribution.render()
		}
	}
	return nil
}

// Packages returns the current package names of the named repository.
func (f *Fake) Packages(repoName string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, repo := range f.repositories {
		if repo.name() == repoName {
			out := append([]string{}, f.packages[repo.href]...)
			sort.Strings(out)
			return out
		}
	}
	return nil
}

func (f *Fake) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, apiRoot)
	segments := strings.Split(strings.Trim(path, "/"), "/")

	switch segments[0] {
	case "status":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"database_connection": map[string]interface{}{"connected": true},
			"versions":            []map[string]interface{}{{"component": "core", "version": "3.21.0"}},
		})
	case "tasks":
		f.handleTask(w, r)
	case "signing-services":
		f.list(w, r, f.signingServiceList())
	case "content":
		f.handleContent(w, r)
	case "repositories":
		f.handleResource(w, r, segments, f.repositories)
	case "remotes":
		f.handleResource(w, r, segments, f.remotes)
	case "distributions":
		f.handleResource(w, r, segments, f.distributions)
	case "publications":
		f.handlePublications(w, r, segments)
	default:
		http.Error(w, fmt.Sprintf("pulpfake: no handler for %s", r.URL.Path), http.StatusNotFound)
	}
}

func (f *Fake) signingServiceList() []map[string]interface{} {
	out := make([]map[string]interface{}, len(f.signingServices))
	copy(out, f.signingServices)
	return out
}

func (f *Fake) handleTask(w http.ResponseWriter, r *http.Request) {
	href := apiRoot + strings.Trim(strings.TrimPrefix(r.URL.Path, apiRoot), "/") + "/"
	t, ok := f.tasks[href]
	if !ok {
		http.Error(w, "no such task", http.StatusNotFound)
		return
	}
	now := time.Now()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, t.render(now))
	case http.MethodPatch:
		if t.state(now) != "running" {
			writeJSON(w, http.StatusConflict, map[string]interface{}{"detail": "task is already in a final state"})
			return
		}
		t.canceled = true
		f.cancellations++
		writeJSON(w, http.StatusOK, t.render(now))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *Fake) handleContent(w http.ResponseWriter, r *http.Request) {
	versionHref := r.URL.Query().Get("repository_version")
	repoHref := versionHref
	if i := strings.Index(versionHref, "versions/"); i >= 0 {
		repoHref = versionHref[:i]
	}
	nameField := "name"
	if strings.Contains(r.URL.Path, "/content/deb/") {
		nameField = "package"
	}
	nameFilter := r.URL.Query().Get(nameField)
	var results []map[string]interface{}
	for _, name := range f.packages[repoHref] {
		if nameFilter != "" && name != nameFilter {
			continue
		}
		results = append(results, map[string]interface{}{
			"pulp_href": packageHref(name),
			nameField:   name,
		})
	}
	f.list(w, r, results)
}

// packageHref derives a stable content unit href from the package name so
// removals can find their unit regardless of listing order.
func packageHref(name string) string {
	return fmt.Sprintf("%scontent/unit/%s/", apiRoot, name)
}

func (f *Fake) handlePublications(w http.ResponseWriter, r *http.Request, segments []string) {
	if r.Method == http.MethodGet {
		wanted := r.URL.Query().Get("repository_version")
		var results []map[string]interface{}
		for _, publication := range f.publications {
			if version, _ := publication.fields["repository_version"].(string); wanted == "" || version == wanted {
				results = append(results, publication.render())
			}
		}
		f.list(w, r, results)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fields := decodeBody(r)
	repoHref, _ := fields["repository"].(string)
	if repoHref == "" {
		// Publications can alternatively name an explicit repository version.
		if version, _ := fields["repository_version"].(string); version != "" {
			if i := strings.Index(version, "versions/"); i >= 0 {
				repoHref = version[:i]
			}
		}
	}
	repo, ok := f.repositories[repoHref]
	if !ok {
		http.Error(w, fmt.Sprintf("no repository %q", repoHref), http.StatusBadRequest)
		return
	}
	f.mutations++
	if description, ok := f.pubFailures[repo.name()]; ok {
		f.finishTask(w, "publication", nil, false, description)
		return
	}
	href := fmt.Sprintf("%spublications/%s/%s/%s/", apiRoot, segments[1], segments[2], f.nextID())
	if _, ok := fields["repository_version"]; !ok {
		fields["repository_version"] = repo.versionHref()
	}
	f.publications[href] = &resource{href: href, kind: repo.kind, fields: fields}
	f.finishTask(w, "publication", []string{href}, false, "")
}

// handleResource covers the shared collection/item shapes of repositories,
// remotes and distributions.
func (f *Fake) handleResource(w http.ResponseWriter, r *http.Request, segments []string, store map[string]*resource) {
	class := segments[0]
	kind, ok := pathKinds[strings.Join(segments[1:3], "/")]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown plugin path %q", r.URL.Path), http.StatusNotFound)
		return
	}

	// Collection: GET lists with optional filters, POST creates.
	if len(segments) == 3 {
		switch r.Method {
		case http.MethodGet:
			f.list(w, r, f.filtered(store, kind, r))
		case http.MethodPost:
			f.mutations++
			fields := decodeBody(r)
			if class == "repositories" && f.byName(store, kind, asString(fields["name"])) != nil {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{"name": []string{"This field must be unique."}})
				return
			}
			href := fmt.Sprintf("%s%s/%s/%s/", apiRoot, class, strings.Join(segments[1:3], "/"), f.nextID())
			created := &resource{href: href, kind: kind, fields: fields}
			if class == "repositories" {
				created.version = 1
			}
			store[href] = created
			if class == "distributions" {
				// Distributions are created asynchronously.
				f.finishTask(w, "distribution", []string{href}, false, "")
				return
			}
			writeJSON(w, http.StatusCreated, created.render())
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	href := fmt.Sprintf("%s%s/%s/%s/", apiRoot, class, strings.Join(segments[1:3], "/"), segments[3])
	item, exists := store[href]
	if !exists {
		http.Error(w, fmt.Sprintf("no %s at %s", class, href), http.StatusNotFound)
		return
	}

	// Item actions: sync/ and modify/ on repositories.
	if len(segments) == 5 {
		f.handleRepositoryAction(w, r, item, segments[4])
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, item.render())
	case http.MethodPatch:
		f.mutations++
		for k, v := range decodeBody(r) {
			if v == nil {
				delete(item.fields, k)
				continue
			}
			item.fields[k] = v
		}
		f.finishTask(w, "update", nil, false, "")
	case http.MethodDelete:
		f.mutations++
		delete(store, href)
		f.finishTask(w, "delete", nil, false, "")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *Fake) handleRepositoryAction(w http.ResponseWriter, r *http.Request, repo *resource, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "sync":
		if reject, ok := f.syncRejects[repo.name()]; ok {
			f.syncPosts++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(reject.status)
			fmt.Fprint(w, reject.body)
			return
		}
		f.mutations++
		f.syncPosts++
		now := time.Now()
		inFlight := 1
		for _, t := range f.tasks {
			if t.isSync && !t.canceled && t.finishAt.After(now) {
				inFlight++
			}
		}
		if inFlight > f.inFlightPeak {
			f.inFlightPeak = inFlight
		}
		if f.noChangeSyncs[repo.name()] {
			f.finishTask(w, "sync", nil, true, f.syncFailures[repo.name()])
			return
		}
		repo.version++
		f.finishTask(w, "sync", []string{repo.versionHref()}, true, f.syncFailures[repo.name()])
	case "modify":
		f.mutations++
		fields := decodeBody(r)
		if removals, ok := fields["remove_content_units"].([]interface{}); ok {
			for _, unit := range removals {
				f.removePackage(repo.href, asString(unit))
			}
		}
		repo.version++
		f.finishTask(w, "modify", []string{repo.versionHref()}, false, "")
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusNotFound)
	}
}

func (f *Fake) removePackage(repoHref, unitHref string) {
	kept := f.packages[repoHref][:0]
	for _, name := range f.packages[repoHref] {
		if packageHref(name) != unitHref {
			kept = append(kept, name)
		}
	}
	f.packages[repoHref] = kept
}

// finishTask registers a task for the operation just applied and writes the
// 202 task pointer response.
func (f *Fake) finishTask(w http.ResponseWriter, name string, created []string, isSync bool, failWith string) {
	now := time.Now()
	inFlight := 1
	for _, t := range f.tasks {
		if !t.canceled && t.finishAt.After(now) {
			inFlight++
		}
	}
	if inFlight > f.taskPeak {
		f.taskPeak = inFlight
	}
	href := fmt.Sprintf("%stasks/%s/", apiRoot, f.nextID())
	f.tasks[href] = &task{
		href:     href,
		name:     name,
		finishAt: now.Add(f.taskDelay),
		failWith: failWith,
		created:  created,
		isSync:   isSync,
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"task": href})
}

func (f *Fake) byName(store map[string]*resource, kind api.RepoKind, name string) *resource {
	for _, item := range store {
		if item.kind == kind && item.name() == name {
			return item
		}
	}
	return nil
}

func (f *Fake) filtered(store map[string]*resource, kind api.RepoKind, r *http.Request) []map[string]interface{} {
	name := r.URL.Query().Get("name")
	basePath := r.URL.Query().Get("base_path")
	var hrefs []string
	for href, item := range store {
		if item.kind != kind {
			continue
		}
		if name != "" && item.name() != name {
			continue
		}
		if basePath != "" {
			if bp, _ := item.fields["base_path"].(string); bp != basePath {
				continue
			}
		}
		hrefs = append(hrefs, href)
	}
	sort.Strings(hrefs)
	results := make([]map[string]interface{}, 0, len(hrefs))
	for _, href := range hrefs {
		results = append(results, store[href].render())
	}
	return results
}

func (f *Fake) list(w http.ResponseWriter, _ *http.Request, results []map[string]interface{}) {
	if results == nil {
		results = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(results),
		"next":     nil,
		"previous": nil,
		"results":  results,
	})
}

func decodeBody(r *http.Request) map[string]interface{} {
	fields := map[string]interface{}{}
	_ = json.NewDecoder(r.Body).Decode(&fields)
	return fields
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
