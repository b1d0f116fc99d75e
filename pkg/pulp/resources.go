package pulp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

const apiRoot = "/pulp/api/v3/"

// endpoints holds the per-plugin collection paths. Pulp scopes repository,
// remote, publication and distribution collections by plugin and the path
// segments are not uniform across them.
type endpoints struct {
	repositories  string
	remotes       string
	publications  string
	distributions string
	content       string
}

var pluginEndpoints = map[api.RepoKind]endpoints{
	api.RepoKindDeb: {
		repositories:  apiRoot + "repositories/deb/apt/",
		remotes:       apiRoot + "remotes/deb/apt/",
		publications:  apiRoot + "publications/deb/apt/",
		distributions: apiRoot + "distributions/deb/apt/",
		content:       apiRoot + "content/deb/packages/",
	},
	api.RepoKindRPM: {
		repositories:  apiRoot + "repositories/rpm/rpm/",
		remotes:       apiRoot + "remotes/rpm/rpm/",
		publications:  apiRoot + "publications/rpm/rpm/",
		distributions: apiRoot + "distributions/rpm/rpm/",
		content:       apiRoot + "content/rpm/packages/",
	},
	api.RepoKindFile: {
		repositories:  apiRoot + "repositories/file/file/",
		remotes:       apiRoot + "remotes/file/file/",
		publications:  apiRoot + "publications/file/file/",
		distributions: apiRoot + "distributions/file/file/",
	},
	api.RepoKindPython: {
		repositories:  apiRoot + "repositories/python/python/",
		remotes:       apiRoot + "remotes/python/python/",
		publications:  apiRoot + "publications/python/pypi/",
		distributions: apiRoot + "distributions/python/pypi/",
	},
	api.RepoKindContainer: {
		repositories:  apiRoot + "repositories/container/container/",
		remotes:       apiRoot + "remotes/container/container/",
		distributions: apiRoot + "distributions/container/container/",
	},
}

func endpointsFor(kind api.RepoKind) (endpoints, error) {
	eps, ok := pluginEndpoints[kind]
	if !ok {
		return endpoints{}, fmt.Errorf("unsupported repository kind %q", kind)
	}
	return eps, nil
}

// HasPublications reports whether the plugin behind kind renders
// publications. Container content is served straight from the repository,
// so it has no publication step.
func HasPublications(kind api.RepoKind) bool {
	eps, ok := pluginEndpoints[kind]
	return ok && eps.publications != ""
}

// HasPackageContent reports whether the plugin behind kind exposes package
// content units that can be listed and removed individually.
func HasPackageContent(kind api.RepoKind) bool {
	eps, ok := pluginEndpoints[kind]
	return ok && eps.content != ""
}

// DebFlatRemote reports whether a deb remote syncs a repository in flat
// format, which pulp_deb encodes as distribution entries ending in "/".
// Flat repositories need simple instead of structured publications.
func DebFlatRemote(remote *Remote) bool {
	if remote == nil || remote.Distributions == nil {
		return false
	}
	entries := strings.Fields(*remote.Distributions)
	if len(entries) == 0 {
		return false
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry, "/") {
			return false
		}
	}
	return true
}

// PublicationFields builds the plugin-appropriate publication request body
// for one repository version. RPM publications pin sha256 checksums, deb
// publications choose structured or simple layout depending on the remote's
// repository format.
func PublicationFields(kind api.RepoKind, versionHref string, flatDeb bool) map[string]interface{} {
	fields := map[string]interface{}{"repository_version": versionHref}
	switch kind {
	case api.RepoKindRPM:
		fields["metadata_checksum_type"] = "sha256"
		fields["package_checksum_type"] = "sha256"
	case api.RepoKindDeb:
		if flatDeb {
			fields["structured"] = false
			fields["simple"] = true
		} else {
			fields["structured"] = true
		}
	}
	return fields
}

// Repository is the subset of pulp repository fields the manager reads. Kind
// is attached client-side, the API encodes it in the href only.
type Repository struct {
	PulpHref          string       `json:"pulp_href,omitempty"`
	Name              string       `json:"name"`
	Description       *string      `json:"description,omitempty"`
	Remote            *string      `json:"remote,omitempty"`
	SigningService    *string      `json:"signing_service,omitempty"`
	LatestVersionHref string       `json:"latest_version_href,omitempty"`
	Kind              api.RepoKind `json:"-"`
}

type Remote struct {
	PulpHref      string  `json:"pulp_href,omitempty"`
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	Proxy         *string `json:"proxy_url,omitempty"`
	TLSValidation *bool   `json:"tls_validation,omitempty"`
	// Distributions is the apt remote's space-separated distribution list.
	// Only deb remotes carry it.
	Distributions *string `json:"distributions,omitempty"`
}

type Distribution struct {
	PulpHref    string  `json:"pulp_href,omitempty"`
	Name        string  `json:"name"`
	BasePath    string  `json:"base_path"`
	Publication *string `json:"publication,omitempty"`
	Repository  *string `json:"repository,omitempty"`
}

type Publication struct {
	PulpHref          string `json:"pulp_href,omitempty"`
	RepositoryVersion string `json:"repository_version,omitempty"`
}

type SigningService struct {
	PulpHref string `json:"pulp_href"`
	Name     string `json:"name"`
}

// Package is a content unit with its plugin-specific name field normalized.
type Package struct {
	PulpHref string
	Name     string
}

// ListRepositories returns every repository of one plugin kind.
func (c *Client) ListRepositories(ctx context.Context, kind api.RepoKind) ([]Repository, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var repositories []Repository
	err = c.getAll(ctx, eps.repositories, func(raw json.RawMessage) error {
		var repository Repository
		if err := json.Unmarshal(raw, &repository); err != nil {
			return fmt.Errorf("failed to unmarshal repository: %w", err)
		}
		repository.Kind = kind
		repositories = append(repositories, repository)
		return nil
	})
	return repositories, err
}

// ListAllRepositories enumerates the server's repository inventory across
// every known plugin, sorted by name. Plugins the server does not have
// installed answer 404 and are skipped.
func (c *Client) ListAllRepositories(ctx context.Context) ([]Repository, error) {
	var all []Repository
	for _, kind := range sets.List(api.KnownRepoKinds) {
		repositories, err := c.ListRepositories(ctx, kind)
		if err != nil {
			if IsStatus(err, http.StatusNotFound) {
				continue
			}
			return nil, err
		}
		all = append(all, repositories...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// GetRepositoryByName returns the named repository, or nil when absent.
func (c *Client) GetRepositoryByName(ctx context.Context, kind api.RepoKind, name string) (*Repository, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var page struct {
		Results []Repository `json:"results"`
	}
	if err := c.get(ctx, eps.repositories+"?name="+url.QueryEscape(name), &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	repository := page.Results[0]
	repository.Kind = kind
	return &repository, nil
}

// CreateRepository creates a repository. Unlike most mutations this is
// synchronous, pulp returns the created object directly.
func (c *Client) CreateRepository(ctx context.Context, kind api.RepoKind, fields map[string]interface{}) (*Repository, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var repository Repository
	if err := c.post(ctx, eps.repositories, fields, &repository); err != nil {
		return nil, err
	}
	repository.Kind = kind
	return &repository, nil
}

// UpdateRepository patches fields on a repository, returning a task href.
func (c *Client) UpdateRepository(ctx context.Context, repositoryHref string, fields map[string]interface{}) (string, error) {
	return c.submit(ctx, http.MethodPatch, repositoryHref, fields)
}

// DeleteRepository removes a repository and its versions, returning a task
// href. Reconciliation never calls this; orphans are reported, not removed.
func (c *Client) DeleteRepository(ctx context.Context, repositoryHref string) (string, error) {
	return c.submit(ctx, http.MethodDelete, repositoryHref, nil)
}

// SyncRepository submits a sync against the repository's remote. An empty
// remoteHref lets pulp use the remote attached to the repository.
func (c *Client) SyncRepository(ctx context.Context, repositoryHref, remoteHref string) (string, error) {
	body := map[string]interface{}{}
	if remoteHref != "" {
		body["remote"] = remoteHref
	}
	return c.submit(ctx, http.MethodPost, repositoryHref+"sync/", body)
}

// ModifyRepository adds and removes content units, creating a new version.
func (c *Client) ModifyRepository(ctx context.Context, repositoryHref string, add, remove []string) (string, error) {
	body := map[string]interface{}{}
	if len(add) > 0 {
		body["add_content_units"] = add
	}
	if len(remove) > 0 {
		body["remove_content_units"] = remove
	}
	return c.submit(ctx, http.MethodPost, repositoryHref+"modify/", body)
}

func (c *Client) GetRemote(ctx context.Context, href string) (*Remote, error) {
	var remote Remote
	if err := c.get(ctx, href, &remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

// GetRemoteFields returns the remote's raw field document. Reconciliation
// diffs desired fields against this map because remote bodies carry
// plugin-specific and passthrough fields the typed struct does not model.
func (c *Client) GetRemoteFields(ctx context.Context, href string) (map[string]interface{}, error) {
	fields := map[string]interface{}{}
	if err := c.get(ctx, href, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// GetRemoteByName returns the named remote, or nil when absent.
func (c *Client) GetRemoteByName(ctx context.Context, kind api.RepoKind, name string) (*Remote, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var page struct {
		Results []Remote `json:"results"`
	}
	if err := c.get(ctx, eps.remotes+"?name="+url.QueryEscape(name), &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return &page.Results[0], nil
}

// CreateRemote creates a remote synchronously. Descriptor fields the manager
// does not model travel through the fields map verbatim.
func (c *Client) CreateRemote(ctx context.Context, kind api.RepoKind, fields map[string]interface{}) (*Remote, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var remote Remote
	if err := c.post(ctx, eps.remotes, fields, &remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

// UpdateRemote patches fields on a remote, returning a task href.
func (c *Client) UpdateRemote(ctx context.Context, remoteHref string, fields map[string]interface{}) (string, error) {
	return c.submit(ctx, http.MethodPatch, remoteHref, fields)
}

// DeleteRemote removes a remote, returning a task href.
func (c *Client) DeleteRemote(ctx context.Context, remoteHref string) (string, error) {
	return c.submit(ctx, http.MethodDelete, remoteHref, nil)
}

// GetDistributionByName returns the named distribution, or nil when absent.
func (c *Client) GetDistributionByName(ctx context.Context, kind api.RepoKind, name string) (*Distribution, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var page struct {
		Results []Distribution `json:"results"`
	}
	if err := c.get(ctx, eps.distributions+"?name="+url.QueryEscape(name), &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return &page.Results[0], nil
}

// GetDistributionByBasePath returns the distribution serving basePath, or
// nil when absent. base_path is unique per server.
func (c *Client) GetDistributionByBasePath(ctx context.Context, kind api.RepoKind, basePath string) (*Distribution, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var page struct {
		Results []Distribution `json:"results"`
	}
	if err := c.get(ctx, eps.distributions+"?base_path="+url.QueryEscape(basePath), &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return &page.Results[0], nil
}

func (c *Client) ListDistributions(ctx context.Context, kind api.RepoKind) ([]Distribution, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	var distributions []Distribution
	err = c.getAll(ctx, eps.distributions, func(raw json.RawMessage) error {
		var distribution Distribution
		if err := json.Unmarshal(raw, &distribution); err != nil {
			return fmt.Errorf("failed to unmarshal distribution: %w", err)
		}
		distributions = append(distributions, distribution)
		return nil
	})
	return distributions, err
}

// CreateDistribution creates a distribution, returning a task href. The
// created href is in the awaited task's created_resources.
func (c *Client) CreateDistribution(ctx context.Context, kind api.RepoKind, fields map[string]interface{}) (string, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return "", err
	}
	return c.submit(ctx, http.MethodPost, eps.distributions, fields)
}

// UpdateDistribution patches a distribution, returning a task href.
func (c *Client) UpdateDistribution(ctx context.Context, distributionHref string, fields map[string]interface{}) (string, error) {
	return c.submit(ctx, http.MethodPatch, distributionHref, fields)
}

// CreatePublication renders a new publication, returning a task href. The
// publication href is in the awaited task's created_resources.
func (c *Client) CreatePublication(ctx context.Context, kind api.RepoKind, fields map[string]interface{}) (string, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return "", err
	}
	if eps.publications == "" {
		return "", fmt.Errorf("the %q plugin has no publications", kind)
	}
	return c.submit(ctx, http.MethodPost, eps.publications, fields)
}

// GetPublicationByVersion returns a publication of the given repository
// version, or nil when none has been rendered yet.
func (c *Client) GetPublicationByVersion(ctx context.Context, kind api.RepoKind, repositoryVersionHref string) (*Publication, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	if eps.publications == "" {
		return nil, fmt.Errorf("the %q plugin has no publications", kind)
	}
	var page struct {
		Results []Publication `json:"results"`
	}
	if err := c.get(ctx, eps.publications+"?repository_version="+url.QueryEscape(repositoryVersionHref), &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return &page.Results[0], nil
}

// GetSigningServiceByName returns the named signing service, or nil when
// absent. Signing services are not plugin-scoped.
func (c *Client) GetSigningServiceByName(ctx context.Context, name string) (*SigningService, error) {
	var page struct {
		Results []SigningService `json:"results"`
	}
	if err := c.get(ctx, apiRoot+"signing-services/?name="+url.QueryEscape(name), &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return &page.Results[0], nil
}

// PackageFilter narrows FindPackages. At least one field must be set so a
// search cannot degenerate into streaming a whole content collection.
type PackageFilter struct {
	Name    string
	Version string
	SHA256  string
}

func (f PackageFilter) empty() bool {
	return f.Name == "" && f.Version == "" && f.SHA256 == ""
}

// PackageDetail is one content search hit.
type PackageDetail struct {
	PulpHref string `json:"pulp_href"`
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// FindPackages searches the package content units of a repository version.
// Deb content filters the package name under the "package" key, everything
// else under "name".
func (c *Client) FindPackages(ctx context.Context, kind api.RepoKind, repositoryVersionHref string, filter PackageFilter) ([]PackageDetail, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	if eps.content == "" {
		return nil, fmt.Errorf("the %q plugin does not expose package content", kind)
	}
	if filter.empty() {
		return nil, fmt.Errorf("a package search needs at least one of name, version or sha256")
	}
	query := url.Values{}
	query.Set("repository_version", repositoryVersionHref)
	query.Set("fields", "package,pkgId,name,sha256,pulp_href,version")
	if filter.Name != "" {
		nameKey := "name"
		if kind == api.RepoKindDeb {
			nameKey = "package"
		}
		query.Set(nameKey, filter.Name)
	}
	if filter.Version != "" {
		query.Set("version", filter.Version)
	}
	if filter.SHA256 != "" {
		query.Set("sha256", filter.SHA256)
	}
	var packages []PackageDetail
	err = c.getAll(ctx, eps.content+"?"+query.Encode(), func(raw json.RawMessage) error {
		var unit struct {
			PulpHref string `json:"pulp_href"`
			Name     string `json:"name"`
			Package  string `json:"package"`
			Version  string `json:"version"`
			SHA256   string `json:"sha256"`
		}
		if err := json.Unmarshal(raw, &unit); err != nil {
			return fmt.Errorf("failed to unmarshal content unit: %w", err)
		}
		name := unit.Name
		if name == "" {
			name = unit.Package
		}
		packages = append(packages, PackageDetail{PulpHref: unit.PulpHref, Name: name, Version: unit.Version, SHA256: unit.SHA256})
		return nil
	})
	return packages, err
}

// ListPackages enumerates the package content units in a repository version.
// The name field differs per plugin (deb calls it "package"), it comes back
// normalized.
func (c *Client) ListPackages(ctx context.Context, kind api.RepoKind, repositoryVersionHref string) ([]Package, error) {
	eps, err := endpointsFor(kind)
	if err != nil {
		return nil, err
	}
	if eps.content == "" {
		return nil, fmt.Errorf("the %q plugin does not expose package content", kind)
	}
	var packages []Package
	err = c.getAll(ctx, eps.content+"?repository_version="+url.QueryEscape(repositoryVersionHref), func(raw json.RawMessage) error {
		var unit struct {
			PulpHref string `json:"pulp_href"`
			Name     string `json:"name"`
			Package  string `json:"package"`
		}
		if err := json.Unmarshal(raw, &unit); err != nil {
			return fmt.Errorf("failed to unmarshal content unit: %w", err)
		}
		name := unit.Name
		if name == "" {
			name = unit.Package
		}
		packages = append(packages, Package{PulpHref: unit.PulpHref, Name: name})
		return nil
	})
	return packages, err
}
