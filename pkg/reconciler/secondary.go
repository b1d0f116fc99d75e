package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/matcher"
	"github.com/pulp-ops/pulp-manager/pkg/pulp"
)

// listingAttempts is how often a content listing fetch is tried before the
// repository is given up on. Listings come from the primary's content app,
// which drops requests while it reloads distributions.
const listingAttempts = 3

// maxDistDepth bounds the recursion through nested release directories; real
// apt trees nest at most two levels (e.g. stable/updates).
const maxDistDepth = 4

// listingAnchor matches the entry anchors of pulp's content listing pages.
var listingAnchor = regexp.MustCompile(`<a href="([A-Za-z0-9_-]+)/?">`)

// Register mirrors the repositories a primary pulp server serves onto the
// job's server: every distribution on the primary whose name matches one of
// its repositories becomes a repository here, syncing from the primary's
// content endpoint. Names and descriptions are taken over verbatim so both
// servers present the same catalog.
func (r *Reconciler) Register(ctx context.Context, job *api.Job, client, source *pulp.Client, sourceName string, params api.RegistrationParams) error {
	if sourceName == job.Server {
		return api.TagErrorf(api.ErrorConfigInvalid, "server %s cannot mirror itself", job.Server)
	}
	logger := logrus.WithFields(logrus.Fields{"job": job.ID, "server": job.Server, "source": sourceName})

	candidates, err := r.mirrorCandidates(ctx, source, sourceName, params)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		logger.Info("Source server serves no repositories matching the selectors.")
		return nil
	}
	r.stage(ctx, job.ID, "targets_resolved", map[string]int{"targets": len(candidates)}, logger)

	repos, err := client.ListAllRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repositories on %s: %w", job.Server, err)
	}
	inv := indexInventory(repos)

	needDebSigning := false
	for _, candidate := range candidates {
		if candidate.repo.Kind == api.RepoKindDeb {
			needDebSigning = true
			break
		}
	}
	signingHref, err := r.resolveSigningService(ctx, client, needDebSigning)
	if err != nil {
		return err
	}

	var completed, failed int
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		repoLogger := logger.WithField("repo", candidate.repo.Name)
		started := time.Now()

		var changes []string
		want, err := r.mirrorTarget(ctx, sourceName, candidate)
		if err == nil {
			changes, err = r.convergeOne(ctx, job, client, inv, want, signingHref, false, repoLogger)
		}
		if err != nil {
			failed++
			repoLogger.WithError(err).Error("Failed to register repository from the source server.")
			r.recordResult(ctx, job.ID, candidate.repo.Name, api.RepoResultFailed, convergeError(err), started, repoLogger)
			continue
		}
		completed++
		if len(changes) > 0 {
			repoLogger.WithField("changes", strings.Join(changes, ", ")).Info("Repository registered from the source server.")
		}
		r.recordResult(ctx, job.ID, candidate.repo.Name, api.RepoResultCompleted, nil, started, repoLogger)
	}

	background := context.WithoutCancel(ctx)
	r.stage(background, job.ID, "registration_finished", map[string]int{"registered": completed, "failed": failed}, logger)
	r.refreshInventory(background, client, job.Server, logger)

	total := len(candidates)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return api.TagErrorf(api.ErrorCanceled, "registration canceled: %d of %d source repositories processed", completed+failed, total)
	case ctx.Err() != nil:
		return api.TagErrorf(api.ErrorDeadline, "registration deadline expired: %d of %d source repositories processed", completed+failed, total)
	case failed > 0:
		return fmt.Errorf("%d of %d source repositories failed to register", failed, total)
	}
	return nil
}

// mirrorCandidate pairs a source repository with the serving path its
// content is reachable under.
type mirrorCandidate struct {
	repo     pulp.Repository
	basePath string
}

// mirrorCandidates resolves what the source server serves: its distributions,
// matched by name to its repositories so snapshots and other secondary
// serving paths are skipped, filtered by the registration selectors.
func (r *Reconciler) mirrorCandidates(ctx context.Context, source *pulp.Client, sourceName string, params api.RegistrationParams) ([]mirrorCandidate, error) {
	sourceRepos, err := source.ListAllRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories on source server %s: %w", sourceName, err)
	}
	byName := map[string]*pulp.Repository{}
	for i := range sourceRepos {
		byName[inventoryKey(sourceRepos[i].Kind, sourceRepos[i].Name)] = &sourceRepos[i]
	}

	var candidates []mirrorCandidate
	for _, kind := range sets.List(api.KnownRepoKinds) {
		// Container content is served through the registry protocol, not
		// the content app, so it cannot be mirrored this way.
		if kind == api.RepoKindContainer {
			continue
		}
		distributions, err := source.ListDistributions(ctx, kind)
		if err != nil {
			if pulp.IsStatus(err, http.StatusNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to list distributions on source server %s: %w", sourceName, err)
		}
		for _, dist := range distributions {
			repo, ok := byName[inventoryKey(kind, dist.Name)]
			if !ok {
				continue
			}
			candidates = append(candidates, mirrorCandidate{repo: *repo, basePath: dist.BasePath})
		}
	}

	names := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		names = append(names, candidate.repo.Name)
	}
	matchedNames, err := matcher.MatchNames(names, params.RegexInclude, params.RegexExclude)
	if err != nil {
		return nil, api.TagError(api.ErrorConfigInvalid, err)
	}
	matched := sets.New[string](matchedNames...)

	var filtered []mirrorCandidate
	for _, candidate := range candidates {
		if matched.Has(candidate.repo.Name) {
			filtered = append(filtered, candidate)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].repo.Name < filtered[j].repo.Name })
	return filtered, nil
}

// mirrorTarget renders the desired shape of one mirrored repository. Deb
// repositories need their distribution list crawled from the primary's
// content tree, file repositories sync from the manifest the file plugin
// publishes.
func (r *Reconciler) mirrorTarget(ctx context.Context, sourceName string, candidate mirrorCandidate) (*desiredRepo, error) {
	scheme := "http"
	if r.settings.UseHTTPSForSync {
		scheme = "https"
	}
	feed := fmt.Sprintf("%s://%s/pulp/content/%s", scheme, sourceName, candidate.basePath)

	want := &desiredRepo{
		kind:    candidate.repo.Kind,
		name:    candidate.repo.Name,
		signing: candidate.repo.Kind == api.RepoKindDeb,
	}
	if candidate.repo.Description != nil {
		want.description = *candidate.repo.Description
	}

	remote := map[string]interface{}{
		"name":                 candidate.repo.Name,
		"url":                  feed,
		"policy":               "immediate",
		"sock_connect_timeout": r.settings.ConnectTimeout.Seconds(),
		"sock_read_timeout":    r.settings.ReadTimeout.Seconds(),
		// Primaries are reached directly, never through the proxy.
		"proxy_url": nil,
	}
	tls := r.settings.RemoteTLSValidation
	if r.internalFeed(feed) {
		tls = true
		if r.settings.RootCA != "" {
			remote["ca_cert"] = r.settings.RootCA
		}
	}
	remote["tls_validation"] = tls

	switch candidate.repo.Kind {
	case api.RepoKindDeb:
		distributions, err := r.crawlAptDistributions(ctx, feed)
		if err != nil {
			return nil, fmt.Errorf("failed to crawl the distribution tree of %s: %w", candidate.repo.Name, err)
		}
		if len(distributions) == 0 {
			return nil, fmt.Errorf("no apt distributions found under %s/dists/, the repository may never have synced on the source server", feed)
		}
		remote["distributions"] = strings.Join(distributions, " ")
	case api.RepoKindFile:
		remote["url"] = feed + "/PULP_MANIFEST"
	}

	want.remote = remote
	return want, nil
}

// crawlAptDistributions walks the dists/ tree one repository serves and
// returns the distribution names a mirror must sync, sorted. Release
// directories can nest (e.g. stable/updates); a directory without a Release
// file of its own is descended into.
func (r *Reconciler) crawlAptDistributions(ctx context.Context, feed string) ([]string, error) {
	var distributions []string
	if err := r.walkDists(ctx, feed, "", 0, &distributions); err != nil {
		return nil, err
	}
	sort.Strings(distributions)
	return distributions, nil
}

func (r *Reconciler) walkDists(ctx context.Context, feed, prefix string, depth int, distributions *[]string) error {
	if depth > maxDistDepth {
		return nil
	}
	page, err := r.fetchListing(ctx, feed+"/dists/"+prefix)
	if err != nil {
		return err
	}
	for _, match := range listingAnchor.FindAllStringSubmatch(page, -1) {
		name := match[1]
		childPage, err := r.fetchListing(ctx, feed+"/dists/"+prefix+name+"/")
		if err != nil {
			return err
		}
		if strings.Contains(childPage, `href="Release"`) {
			*distributions = append(*distributions, prefix+name)
			continue
		}
		if err := r.walkDists(ctx, feed, prefix+name+"/", depth+1, distributions); err != nil {
			return err
		}
	}
	return nil
}

// fetchListing retrieves one content listing page. A 404 means the serving
// path does not exist, most likely because the repository never synced on
// the source server, and is not retried.
func (r *Reconciler) fetchListing(ctx context.Context, listURL string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < listingAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := r.content.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK && readErr == nil:
			return string(body), nil
		case resp.StatusCode == http.StatusNotFound:
			return "", fmt.Errorf("%s answered 404, the repository may never have synced on the source server", listURL)
		case readErr != nil:
			lastErr = readErr
		default:
			lastErr = fmt.Errorf("%s answered %d", listURL, resp.StatusCode)
		}
	}
	return "", lastErr
}
