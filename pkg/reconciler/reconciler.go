// Package reconciler converges pulp servers onto the declarative repository
// catalog: every catalog entry must exist with the right remote, signing
// setup and serving path, renames are detected through the stable identity
// in the repository description, and repositories the catalog does not know
// are reported as orphans but left untouched. It also mirrors the catalog of
// a primary pulp server onto its secondaries.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/metrics"
	"github.com/pulp-ops/pulp-manager/pkg/pulp"
	"github.com/pulp-ops/pulp-manager/pkg/repoconfig"
	"github.com/pulp-ops/pulp-manager/pkg/secrets"
	"github.com/pulp-ops/pulp-manager/pkg/vaultclient"
)

// contentListingTimeout bounds requests against pulp content endpoints when
// the distribution tree of a primary server is crawled.
const contentListingTimeout = 60 * time.Second

// tokenPlaceholder matches credential placeholders some catalogs embed in
// feed urls ("{{token}}:null@"). Pulp must never see them.
var tokenPlaceholder = regexp.MustCompile(`\{\{[^}]+\}\}:null@`)

// writeOnlyRemoteFields never come back in remote reads, pulp hides them.
// They are excluded from the diff and ride along on any patch so rotated
// secrets still land.
var writeOnlyRemoteFields = sets.New[string]("password", "client_key", "proxy_password")

// SecretReader reads vault KV items for catalog entries that resolve remote
// properties from vault.
type SecretReader interface {
	GetKV(path string) (*vaultclient.KVData, error)
}

// Settings carries the server-independent converge behavior from the
// application config.
type Settings struct {
	// DebSigningService names the signing service attached to deb
	// repositories so their Release files get signed.
	DebSigningService string
	// InternalDomains lists feed domains that are first-party: their
	// remotes get the root CA, enforced tls validation and no proxy.
	InternalDomains []string
	// RemoteTLSValidation is the default for catalog entries that do not
	// pin tls_validation themselves.
	RemoteTLSValidation bool
	// UseHTTPSForSync picks the scheme for feeds that point at other
	// managed pulp servers.
	UseHTTPSForSync bool
	// RootCA is the PEM bundle attached to remotes on internal domains.
	RootCA string
	// ConnectTimeout and ReadTimeout become the remotes' socket timeouts.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Reconciler executes reconcile and registration jobs. It is safe for
// concurrent use by multiple jobs.
type Reconciler struct {
	store    jobstore.Store
	secrets  SecretReader
	censor   *secrets.DynamicCensor
	settings Settings
	content  *http.Client
}

// New builds a Reconciler. Zero timeouts fall back to the application config
// defaults.
func New(store jobstore.Store, secretReader SecretReader, censor *secrets.DynamicCensor, settings Settings) *Reconciler {
	r := &Reconciler{
		store:    store,
		secrets:  secretReader,
		censor:   censor,
		settings: settings,
		content:  &http.Client{Timeout: contentListingTimeout},
	}
	if r.settings.ConnectTimeout == 0 {
		r.settings.ConnectTimeout = 10 * time.Second
	}
	if r.settings.ReadTimeout == 0 {
		r.settings.ReadTimeout = 30 * time.Second
	}
	return r
}

// desiredRepo is the converged shape of one repository: what must exist on
// the server once its catalog entry or primary counterpart is applied. A nil
// remote document marks a repository that must not sync from anywhere.
type desiredRepo struct {
	kind        api.RepoKind
	name        string
	description string
	remote      map[string]interface{}
	signing     bool
}

// plannedChange is one entry of the dry-run plan stage.
type plannedChange struct {
	Repo    string   `json:"repo"`
	Changes []string `json:"changes"`
}

// Reconcile converges one pulp server onto the catalog. Every descriptor is
// converged in isolation and gets a terminal repo result; a dry run computes
// the same decisions but records them as a plan stage instead of touching
// pulp. The returned error determines the job's terminal state.
func (r *Reconciler) Reconcile(ctx context.Context, job *api.Job, client *pulp.Client, descriptors []repoconfig.Descriptor, params api.ReconcileParams) error {
	logger := logrus.WithFields(logrus.Fields{"job": job.ID, "server": job.Server})
	if params.DryRun {
		logger = logger.WithField("dry_run", true)
	}

	repos, err := client.ListAllRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repositories on %s: %w", job.Server, err)
	}
	inv := indexInventory(repos)
	r.stage(ctx, job.ID, "catalog_resolved", map[string]int{
		"catalog":   len(descriptors),
		"inventory": len(repos),
	}, logger)

	needDebSigning := false
	for i := range descriptors {
		if descriptors[i].Kind == api.RepoKindDeb {
			needDebSigning = true
			break
		}
	}
	signingHref, err := r.resolveSigningService(ctx, client, needDebSigning)
	if err != nil {
		return err
	}

	// Orphans are a property of catalog versus inventory, not of this run:
	// a repository neither named by a descriptor nor matched through the
	// rename identity belongs to nobody.
	claimed := sets.New[string]()
	for i := range descriptors {
		d := &descriptors[i]
		claimed.Insert(d.Name)
		if match := inv.lookup(d.Kind, d.Name, d.ComposedDescription()); match != nil {
			claimed.Insert(match.Name)
		}
	}
	var orphans []string
	for _, repo := range repos {
		if !claimed.Has(repo.Name) {
			orphans = append(orphans, repo.Name)
		}
	}
	if len(orphans) > 0 {
		logger.WithField("repos", strings.Join(orphans, ", ")).Warn("Server has repositories the catalog does not know, leaving them alone.")
		r.stage(ctx, job.ID, "orphans", map[string][]string{"repos": orphans}, logger)
	}

	plan := []plannedChange{}
	var completed, failed int
	for i := range descriptors {
		d := &descriptors[i]
		if ctx.Err() != nil {
			break
		}
		repoLogger := logger.WithField("repo", d.Name)
		started := time.Now()
		changes, err := r.convergeDescriptor(ctx, job, client, inv, d, signingHref, params.DryRun, repoLogger)

		if params.DryRun {
			if len(changes) > 0 {
				plan = append(plan, plannedChange{Repo: d.Name, Changes: changes})
			}
			if err != nil {
				failed++
				repoLogger.WithError(err).Error("Failed to compute the repository plan.")
			} else {
				completed++
			}
			continue
		}

		if err != nil {
			failed++
			repoLogger.WithError(err).Error("Failed to converge repository.")
			r.recordResult(ctx, job.ID, d.Name, api.RepoResultFailed, convergeError(err), started, repoLogger)
			continue
		}
		completed++
		if len(changes) > 0 {
			repoLogger.WithField("changes", strings.Join(changes, ", ")).Info("Repository converged.")
		}
		r.recordResult(ctx, job.ID, d.Name, api.RepoResultCompleted, nil, started, repoLogger)
	}

	background := context.WithoutCancel(ctx)
	if params.DryRun {
		r.stage(background, job.ID, "plan", plan, logger)
	} else {
		r.stage(background, job.ID, "converge_finished", map[string]int{"converged": completed, "failed": failed}, logger)
		r.refreshInventory(background, client, job.Server, logger)
	}

	total := len(descriptors)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return api.TagErrorf(api.ErrorCanceled, "reconcile canceled: %d of %d catalog entries processed", completed+failed, total)
	case ctx.Err() != nil:
		return api.TagErrorf(api.ErrorDeadline, "reconcile deadline expired: %d of %d catalog entries processed", completed+failed, total)
	case failed > 0:
		return fmt.Errorf("%d of %d catalog entries failed to converge", failed, total)
	}
	return nil
}

// convergeDescriptor translates a catalog entry into its desired shape and
// converges it. Vault lookups for the remote happen here, so a broken secret
// reference fails only its own entry.
func (r *Reconciler) convergeDescriptor(ctx context.Context, job *api.Job, client *pulp.Client, inv *inventory, d *repoconfig.Descriptor, signingHref string, dry bool, logger *logrus.Entry) ([]string, error) {
	want := &desiredRepo{
		kind:        d.Kind,
		name:        d.Name,
		description: d.ComposedDescription(),
		signing:     d.Kind == api.RepoKindDeb,
	}
	if d.External() {
		remote, err := r.desiredRemote(d)
		if err != nil {
			return nil, err
		}
		want.remote = remote
	}
	return r.convergeOne(ctx, job, client, inv, want, signingHref, dry, logger)
}

// inventory indexes a server's repositories for lookup: by plugin kind and
// name, and by the description that serves as the rename-stable identity.
type inventory struct {
	byName     map[string]*pulp.Repository
	byIdentity map[string]*pulp.Repository
}

func indexInventory(repos []pulp.Repository) *inventory {
	inv := &inventory{
		byName:     map[string]*pulp.Repository{},
		byIdentity: map[string]*pulp.Repository{},
	}
	for i := range repos {
		repo := &repos[i]
		inv.byName[inventoryKey(repo.Kind, repo.Name)] = repo
		if repo.Description != nil && *repo.Description != "" {
			inv.byIdentity[inventoryKey(repo.Kind, *repo.Description)] = repo
		}
	}
	return inv
}

// lookup finds the server repository a desired shape governs: by name first,
// then by identity so renamed entries find their existing repository instead
// of creating a second one.
func (inv *inventory) lookup(kind api.RepoKind, name, identity string) *pulp.Repository {
	if repo, ok := inv.byName[inventoryKey(kind, name)]; ok {
		return repo
	}
	if identity == "" {
		return nil
	}
	if repo, ok := inv.byIdentity[inventoryKey(kind, identity)]; ok {
		return repo
	}
	return nil
}

func inventoryKey(kind api.RepoKind, name string) string {
	return string(kind) + "/" + name
}

// applyFunc routes one mutation: it records the change label and, outside a
// dry run, performs it.
type applyFunc func(change string, mutate func() error) error

// convergeOne drives a single repository to its desired state. The returned
// change labels double as the dry-run plan.
func (r *Reconciler) convergeOne(ctx context.Context, job *api.Job, client *pulp.Client, inv *inventory, want *desiredRepo, signingHref string, dry bool, logger *logrus.Entry) ([]string, error) {
	var changes []string
	apply := func(change string, mutate func() error) error {
		changes = append(changes, change)
		if dry {
			return nil
		}
		metrics.RecordReconcileMutation(job.Server, change)
		return mutate()
	}

	repo := inv.lookup(want.kind, want.name, want.description)
	renamedFrom := ""
	if repo != nil && repo.Name != want.name {
		renamedFrom = repo.Name
		logger.WithField("from", renamedFrom).Info("Repository matches the catalog identity under another name, renaming.")
		if err := apply("rename repository", func() error {
			return r.patchRepository(ctx, client, repo.PulpHref, map[string]interface{}{"name": want.name})
		}); err != nil {
			return changes, err
		}
	}

	if repo == nil {
		if err := apply("create repository", func() error {
			created, err := client.CreateRepository(ctx, want.kind, createRepositoryFields(want, signingHref))
			if err != nil {
				return fmt.Errorf("failed to create the repository: %w", err)
			}
			repo = created
			return nil
		}); err != nil {
			return changes, err
		}
		if dry {
			// Nothing exists to diff against, the rest of the plan follows
			// from the creation.
			if want.remote != nil {
				changes = append(changes, "create remote")
			}
			changes = append(changes, "create distribution")
			return changes, nil
		}
	}

	patch := map[string]interface{}{}
	if want.description != "" && (repo.Description == nil || *repo.Description != want.description) {
		patch["description"] = want.description
	}

	var staleRemote string
	if want.remote != nil {
		remoteHref, err := r.ensureRemote(ctx, client, want.kind, want.name, want.remote, repo, apply)
		if err != nil {
			return changes, err
		}
		if remoteHref != "" && (repo.Remote == nil || *repo.Remote != remoteHref) {
			patch["remote"] = remoteHref
		}
	} else if repo.Remote != nil && *repo.Remote != "" {
		// Internal repositories never sync from anywhere; a leftover remote
		// gets detached and removed.
		patch["remote"] = nil
		staleRemote = *repo.Remote
	}

	if want.signing && signingHref != "" && (repo.SigningService == nil || *repo.SigningService != signingHref) {
		patch["signing_service"] = signingHref
	}

	if len(patch) > 0 {
		if err := apply("update repository", func() error {
			return r.patchRepository(ctx, client, repo.PulpHref, patch)
		}); err != nil {
			return changes, err
		}
	}

	if staleRemote != "" {
		if err := apply("delete remote", func() error {
			taskHref, err := client.DeleteRemote(ctx, staleRemote)
			if err != nil {
				return fmt.Errorf("failed to submit the remote deletion: %w", err)
			}
			return r.await(ctx, client, taskHref, "remote deletion")
		}); err != nil {
			return changes, err
		}
	}

	if err := r.ensureDistribution(ctx, client, want, repo.PulpHref, renamedFrom, apply); err != nil {
		return changes, err
	}
	return changes, nil
}

func createRepositoryFields(want *desiredRepo, signingHref string) map[string]interface{} {
	fields := map[string]interface{}{"name": want.name}
	if want.description != "" {
		fields["description"] = want.description
	}
	if want.signing && signingHref != "" {
		fields["signing_service"] = signingHref
	}
	return fields
}

// ensureRemote makes the repository's remote match the desired document,
// creating or patching as needed, and returns its href. Field comparison
// happens against the raw remote document because remotes carry
// plugin-specific and passthrough fields.
func (r *Reconciler) ensureRemote(ctx context.Context, client *pulp.Client, kind api.RepoKind, name string, desired map[string]interface{}, repo *pulp.Repository, apply applyFunc) (string, error) {
	var current map[string]interface{}
	var err error
	if repo != nil && repo.Remote != nil && *repo.Remote != "" {
		if current, err = client.GetRemoteFields(ctx, *repo.Remote); err != nil {
			return "", fmt.Errorf("failed to read the attached remote: %w", err)
		}
	} else {
		// The repository has no remote yet, but one may linger from an
		// earlier interrupted converge.
		remote, err := client.GetRemoteByName(ctx, kind, name)
		if err != nil {
			return "", err
		}
		if remote != nil {
			if current, err = client.GetRemoteFields(ctx, remote.PulpHref); err != nil {
				return "", fmt.Errorf("failed to read the existing remote: %w", err)
			}
		}
	}

	if current == nil {
		var href string
		err := apply("create remote", func() error {
			remote, err := client.CreateRemote(ctx, kind, desired)
			if err != nil {
				return fmt.Errorf("failed to create the remote: %w", err)
			}
			href = remote.PulpHref
			return nil
		})
		return href, err
	}

	href, _ := current["pulp_href"].(string)
	patch := map[string]interface{}{}
	for key, value := range desired {
		if writeOnlyRemoteFields.Has(key) {
			continue
		}
		if !fieldEqual(value, current[key]) {
			patch[key] = value
		}
	}
	if len(patch) == 0 {
		return href, nil
	}
	// Secrets pulp never echoes ride along whenever something observable
	// changed, so a rotation lands with the next real diff.
	for key, value := range desired {
		if writeOnlyRemoteFields.Has(key) {
			patch[key] = value
		}
	}
	err = apply("update remote", func() error {
		taskHref, err := client.UpdateRemote(ctx, href, patch)
		if err != nil {
			return fmt.Errorf("failed to submit the remote update: %w", err)
		}
		return r.await(ctx, client, taskHref, "remote update")
	})
	return href, err
}

// desiredRemote renders the full remote document a catalog entry asks for.
// Catalog fields the manager does not model travel through verbatim, vault
// secrets are resolved last so they win over passthrough fields.
func (r *Reconciler) desiredRemote(d *repoconfig.Descriptor) (map[string]interface{}, error) {
	feed := tokenPlaceholder.ReplaceAllString(d.URL, "")
	fields := map[string]interface{}{
		"name":                 d.Name,
		"url":                  feed,
		"policy":               "immediate",
		"sock_connect_timeout": r.settings.ConnectTimeout.Seconds(),
		"sock_read_timeout":    r.settings.ReadTimeout.Seconds(),
	}

	tls := r.settings.RemoteTLSValidation
	if d.TLSValidation != nil {
		tls = *d.TLSValidation
	}
	var proxy interface{}
	if r.internalFeed(feed) {
		// First-party feeds are vouched for by the fleet's own CA and are
		// reachable without the proxy.
		tls = true
		if r.settings.RootCA != "" {
			fields["ca_cert"] = r.settings.RootCA
		}
	} else if d.Proxy != "" {
		proxy = d.Proxy
	}
	fields["tls_validation"] = tls
	fields["proxy_url"] = proxy

	if d.Kind == api.RepoKindDeb {
		distributions := d.Distributions
		if distributions == "" {
			distributions = "stable"
		}
		fields["distributions"] = distributions
		if d.Components != "" {
			fields["components"] = d.Components
			// Not every component exists in every distribution of a mirror;
			// a missing package index must not fail the whole sync.
			fields["ignore_missing_package_indices"] = true
		}
		if d.Architectures != "" {
			fields["architectures"] = d.Architectures
		}
		if d.SyncSources != nil {
			fields["sync_sources"] = *d.SyncSources
		}
		if d.SyncUdebs != nil {
			fields["sync_udebs"] = *d.SyncUdebs
		}
		if d.SyncInstaller != nil {
			fields["sync_installer"] = *d.SyncInstaller
		}
	}

	for key, raw := range d.Extra {
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, api.TagErrorf(api.ErrorConfigInvalid, "%s: field %s does not decode: %v", d.Path, key, err)
		}
		fields[key] = value
	}

	for _, ref := range d.VaultSecrets {
		value, err := r.readSecret(ref)
		if err != nil {
			return nil, err
		}
		fields[ref.RemoteProperty] = value
	}
	return fields, nil
}

func (r *Reconciler) readSecret(ref repoconfig.VaultSecretRef) (string, error) {
	path := ref.Path
	if ref.KV != "" {
		path = ref.KV + "/" + ref.Path
	}
	if r.secrets == nil {
		return "", api.TagErrorf(api.ErrorCredentialsUnavailable, "no vault client configured to resolve %s", path)
	}
	data, err := r.secrets.GetKV(path)
	if err != nil {
		return "", api.TagErrorf(api.ErrorCredentialsUnavailable, "failed to read vault item %s: %v", path, err)
	}
	value, ok := data.Data[ref.SecretName]
	if !ok {
		return "", api.TagErrorf(api.ErrorCredentialsUnavailable, "vault item %s has no key %s", path, ref.SecretName)
	}
	r.censor.AddSecrets(value)
	return value, nil
}

// ensureDistribution makes sure the repository's content is served under its
// canonical name, following the repository's latest version. After a rename
// the old distribution is moved instead of leaving it behind on the old
// serving path.
func (r *Reconciler) ensureDistribution(ctx context.Context, client *pulp.Client, want *desiredRepo, repoHref, renamedFrom string, apply applyFunc) error {
	dist, err := client.GetDistributionByName(ctx, want.kind, want.name)
	if err != nil {
		return err
	}
	if dist == nil && renamedFrom != "" {
		if dist, err = client.GetDistributionByName(ctx, want.kind, renamedFrom); err != nil {
			return err
		}
	}

	if dist == nil {
		return apply("create distribution", func() error {
			taskHref, err := client.CreateDistribution(ctx, want.kind, map[string]interface{}{
				"name":       want.name,
				"base_path":  want.name,
				"repository": repoHref,
			})
			if err != nil {
				return fmt.Errorf("failed to submit the distribution creation: %w", err)
			}
			return r.await(ctx, client, taskHref, "distribution creation")
		})
	}

	fields := map[string]interface{}{}
	if dist.Name != want.name {
		fields["name"] = want.name
	}
	if dist.BasePath != want.name {
		fields["base_path"] = want.name
	}
	if dist.Repository == nil || *dist.Repository != repoHref {
		fields["repository"] = repoHref
		if dist.Publication != nil {
			// A distribution serves either a pinned publication or a
			// repository's latest, not both.
			fields["publication"] = nil
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return apply("update distribution", func() error {
		taskHref, err := client.UpdateDistribution(ctx, dist.PulpHref, fields)
		if err != nil {
			return fmt.Errorf("failed to submit the distribution update: %w", err)
		}
		return r.await(ctx, client, taskHref, "distribution update")
	})
}

// resolveSigningService looks up the configured deb signing service once per
// run. Runs without deb repositories skip the lookup.
func (r *Reconciler) resolveSigningService(ctx context.Context, client *pulp.Client, needed bool) (string, error) {
	if r.settings.DebSigningService == "" || !needed {
		return "", nil
	}
	service, err := client.GetSigningServiceByName(ctx, r.settings.DebSigningService)
	if err != nil {
		return "", fmt.Errorf("failed to look up signing service %s: %w", r.settings.DebSigningService, err)
	}
	if service == nil {
		return "", api.TagErrorf(api.ErrorConfigInvalid, "signing service %q does not exist on the pulp server", r.settings.DebSigningService)
	}
	return service.PulpHref, nil
}

func (r *Reconciler) patchRepository(ctx context.Context, client *pulp.Client, href string, fields map[string]interface{}) error {
	taskHref, err := client.UpdateRepository(ctx, href, fields)
	if err != nil {
		return fmt.Errorf("failed to submit the repository update: %w", err)
	}
	return r.await(ctx, client, taskHref, "repository update")
}

// await blocks until a pulp task finishes and turns any non-completed
// terminal state into an error.
func (r *Reconciler) await(ctx context.Context, client *pulp.Client, taskHref, what string) error {
	task, err := client.WaitForTask(ctx, taskHref)
	if err != nil {
		return err
	}
	if task.State != pulp.TaskStateCompleted {
		return api.TagErrorf(api.ErrorPulpTaskFailed, "%s finished %s: %s", what, task.State, task.ErrorDescription())
	}
	return nil
}

// refreshInventory replaces the stored repository mirror of the server with
// what pulp reports after the converge. Pulp is authoritative for this data;
// failures here never change the job outcome.
func (r *Reconciler) refreshInventory(ctx context.Context, client *pulp.Client, server string, logger *logrus.Entry) {
	repos, err := client.ListAllRepositories(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to re-list repositories for the inventory refresh.")
		return
	}
	rows := make([]api.PulpServerRepo, 0, len(repos))
	for _, repo := range repos {
		row := api.PulpServerRepo{Server: server, Name: repo.Name, Kind: repo.Kind, Href: repo.PulpHref}
		if repo.Remote != nil {
			row.RemoteHref = *repo.Remote
		}
		rows = append(rows, row)
	}
	if err := r.store.ReplaceServerRepos(ctx, server, rows); err != nil {
		logger.WithError(err).Error("Failed to record the repository inventory.")
	}
}

// internalFeed reports whether the feed url's host is in one of the
// configured internal domains.
func (r *Reconciler) internalFeed(feed string) bool {
	parsed, err := url.Parse(feed)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	for _, domain := range r.settings.InternalDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func (r *Reconciler) recordResult(ctx context.Context, jobID int64, repoName string, state api.RepoResultState, jobErr *api.JobError, started time.Time, logger *logrus.Entry) {
	result := api.RepoTaskResult{
		JobID:      jobID,
		RepoName:   repoName,
		State:      state,
		Error:      jobErr,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := r.store.RecordRepoResult(context.WithoutCancel(ctx), result); err != nil {
		logger.WithError(err).Error("Failed to record repo converge result.")
	}
}

func (r *Reconciler) stage(ctx context.Context, jobID int64, name string, detail interface{}, logger *logrus.Entry) {
	stage := api.JobStage{JobID: jobID, Name: name}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			stage.Detail = raw
		}
	}
	if err := r.store.RecordStage(ctx, stage); err != nil {
		logger.WithError(err).WithField("stage", name).Warn("Failed to record job stage.")
	}
}

// fieldEqual compares a desired remote field with what pulp stores. Strings
// are compared stripped, pulp appends trailing newlines to some of them,
// certificates in particular.
func fieldEqual(desired, current interface{}) bool {
	return reflect.DeepEqual(normalizeField(desired), normalizeField(current))
}

func normalizeField(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case int:
		return float64(v)
	}
	return value
}

// convergeError renders a converge failure for storage, keeping pulp
// response payloads intact.
func convergeError(err error) *api.JobError {
	apiErr := &pulp.APIError{}
	if errors.As(err, &apiErr) {
		detail := interface{}(string(apiErr.Body))
		if json.Valid(apiErr.Body) {
			detail = json.RawMessage(apiErr.Body)
		}
		return api.NewJobError(fmt.Sprintf("pulp answered %d during the converge", apiErr.StatusCode), detail)
	}
	return api.NewJobError(err.Error(), nil)
}
