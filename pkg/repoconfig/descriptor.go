package repoconfig

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

// ExternalPrefix marks repositories that mirror an upstream source.
const ExternalPrefix = "ext-"

// globalFileName holds directory-wide defaults that override the individual
// descriptors next to and below it.
const globalFileName = "global.json"

// Descriptor is one repository catalog entry. Known fields are validated
// strictly; everything else lands in Extra and travels to the Pulp remote
// verbatim.
type Descriptor struct {
	// Name is the canonical repository name: classification prefix plus
	// the optionally rewritten catalog name.
	Name string
	// RawName is the name exactly as written in the descriptor file.
	RawName     string
	Kind        api.RepoKind
	Description string
	Owner       string
	BaseURL     string
	// URL is the upstream feed. Its presence makes the repository external.
	URL           string
	Proxy         string
	TLSValidation *bool
	// Deb remote selectors, whitespace-separated per the apt sources.list
	// convention.
	Distributions string
	Components    string
	Architectures string
	SyncSources   *bool
	SyncUdebs     *bool
	SyncInstaller *bool
	// VaultSecrets resolve remote properties (passwords, client keys) from
	// vault at reconcile time instead of storing them in git.
	VaultSecrets []VaultSecretRef
	Extra        map[string]json.RawMessage
	// Path is the descriptor file, kept for error reporting.
	Path string
}

// External reports whether the repository mirrors an upstream source.
func (d *Descriptor) External() bool {
	return d.URL != ""
}

// ComposedDescription is the description recorded on the Pulp repository.
// It doubles as the stable identity used to detect renames, so its format
// must stay put.
func (d *Descriptor) ComposedDescription() string {
	return fmt.Sprintf("%s - %s - base_url:%s", d.Description, d.Owner, d.BaseURL)
}

// VaultSecretRef names a vault secret and the remote property it fills.
type VaultSecretRef struct {
	SecretName     string `json:"secret_name"`
	KV             string `json:"kv"`
	Path           string `json:"path"`
	RemoteProperty string `json:"remote_property"`
}

// LoadOptions shape descriptor loading.
type LoadOptions struct {
	// InternalPrefix is prepended to repositories without an upstream url.
	InternalPrefix string
	// Rewriter optionally rewrites the catalog name before prefixing. Nil
	// leaves names untouched.
	Rewriter *NameRewriter
	// RegexInclude/RegexExclude filter on the canonical name; exclude wins
	// when both match.
	RegexInclude string
	RegexExclude string
}

// Load walks dir for descriptor files and returns them sorted by canonical
// name. global.json files apply to their directory subtree and override
// descriptor fields, nearest one wins.
func Load(dir string, opts LoadOptions) ([]Descriptor, error) {
	var include, exclude *regexp.Regexp
	var err error
	if opts.RegexInclude != "" {
		if include, err = regexp.Compile(opts.RegexInclude); err != nil {
			return nil, api.TagErrorf(api.ErrorConfigInvalid, "regex_include does not compile: %v", err)
		}
	}
	if opts.RegexExclude != "" {
		if exclude, err = regexp.Compile(opts.RegexExclude); err != nil {
			return nil, api.TagErrorf(api.ErrorConfigInvalid, "regex_exclude does not compile: %v", err)
		}
	}

	globals := map[string]rawDoc{}
	var descriptors []Descriptor
	var errs []error
	seen := map[string]string{}

	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			return nil
		}
		if entry.Name() == globalFileName {
			doc, err := readDoc(path)
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			// A global file may carry manager settings under "pulp"; those
			// are not descriptor fields and must not leak into remotes.
			delete(doc, "pulp")
			globals[filepath.Dir(path)] = doc
			return nil
		}

		descriptor, err := loadDescriptor(path, nearestGlobal(globals, dir, filepath.Dir(path)), opts)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if previous, ok := seen[descriptor.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: canonical name %q already used by %s", path, descriptor.Name, previous))
			return nil
		}
		seen[descriptor.Name] = path

		if exclude != nil && exclude.MatchString(descriptor.Name) {
			return nil
		}
		if include != nil && !include.MatchString(descriptor.Name) {
			return nil
		}
		descriptors = append(descriptors, *descriptor)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk descriptor dir %s: %w", dir, err)
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, api.TagError(api.ErrorConfigInvalid, err)
	}

	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors, nil
}

// nearestGlobal finds the global document governing a directory, walking up
// to the load root.
func nearestGlobal(globals map[string]rawDoc, root, dir string) rawDoc {
	for {
		if doc, ok := globals[dir]; ok {
			return doc
		}
		if dir == root {
			return nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

func loadDescriptor(path string, global rawDoc, opts LoadOptions) (*Descriptor, error) {
	doc, err := readDoc(path)
	if err != nil {
		return nil, err
	}
	for key, value := range global {
		doc[key] = value
	}

	d := &Descriptor{Path: path}
	var errs []error
	field := func(err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	field(doc.popString("name", &d.RawName))
	field(doc.popString("description", &d.Description))
	field(doc.popString("owner", &d.Owner))
	field(doc.popString("base_url", &d.BaseURL))
	field(doc.popString("url", &d.URL))
	field(doc.popString("proxy", &d.Proxy))
	field(doc.popBool("tls_validation", &d.TLSValidation))
	field(doc.popString("distributions", &d.Distributions))
	field(doc.popString("components", &d.Components))
	field(doc.popString("architectures", &d.Architectures))
	field(doc.popBool("sync_sources", &d.SyncSources))
	field(doc.popBool("sync_udebs", &d.SyncUdebs))
	field(doc.popBool("sync_installer", &d.SyncInstaller))

	// Older catalogs call the deb distributions "releases".
	if d.Distributions == "" {
		field(doc.popString("releases", &d.Distributions))
	} else {
		delete(doc, "releases")
	}

	var kind string
	field(doc.popString("content_repo_type", &kind))
	if kind != "" {
		// iso catalogs predate the file plugin name.
		parsed := api.RepoKind(strings.ReplaceAll(kind, "iso", "file"))
		if !api.KnownRepoKinds.Has(parsed) {
			errs = append(errs, fmt.Errorf("%s: unknown content_repo_type %q", path, kind))
		}
		d.Kind = parsed
	}

	if raw, ok := doc["vault_load_secrets"]; ok {
		delete(doc, "vault_load_secrets")
		if err := json.Unmarshal(raw, &d.VaultSecrets); err != nil {
			errs = append(errs, fmt.Errorf("%s: field vault_load_secrets: %w", path, err))
		}
		for i, ref := range d.VaultSecrets {
			if ref.SecretName == "" || ref.Path == "" || ref.RemoteProperty == "" {
				errs = append(errs, fmt.Errorf("%s: vault_load_secrets[%d] needs secret_name, path and remote_property", path, i))
			}
		}
	}

	for _, required := range []struct{ name, value string }{
		{"name", d.RawName},
		{"content_repo_type", kind},
		{"description", d.Description},
		{"owner", d.Owner},
		{"base_url", d.BaseURL},
	} {
		if required.value == "" {
			errs = append(errs, fmt.Errorf("%s: field %s is required", path, required.name))
		}
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, err
	}

	if len(doc) > 0 {
		d.Extra = doc
	}
	d.Name = canonicalName(d.RawName, d.External(), opts)
	return d, nil
}

// canonicalName strips any existing classification prefix, applies the
// optional rewrite, and puts the proper prefix back on.
func canonicalName(raw string, external bool, opts LoadOptions) string {
	prefix := opts.InternalPrefix
	if external {
		prefix = ExternalPrefix
	}
	base := strings.TrimPrefix(raw, prefix)
	if opts.Rewriter != nil {
		base = opts.Rewriter.Apply(base)
	}
	return prefix + base
}

type rawDoc map[string]json.RawMessage

func readDoc(path string) (rawDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc := rawDoc{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", path, err)
	}
	return doc, nil
}

// popString extracts a string field, removing it from the open map. Absent
// fields leave the target untouched.
func (doc rawDoc) popString(key string, into *string) error {
	raw, ok := doc[key]
	if !ok {
		return nil
	}
	delete(doc, key)
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("field %s must be a string: %w", key, err)
	}
	return nil
}

// popBool extracts a bool field, removing it from the open map.
func (doc rawDoc) popBool(key string, into **bool) error {
	raw, ok := doc[key]
	if !ok {
		return nil
	}
	delete(doc, key)
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("field %s must be a bool: %w", key, err)
	}
	*into = &value
	return nil
}
