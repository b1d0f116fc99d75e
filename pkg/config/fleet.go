package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

// fleetFile mirrors the on-disk YAML fleet document. Server, credential and
// group names are map keys, so they are unique within the file by
// construction; validation guards the cross-references.
type fleetFile struct {
	PulpServers map[string]pulpServerSpec `json:"pulp_servers"`
	Credentials map[string]CredentialsRef `json:"credentials"`
	RepoGroups  map[string]repoGroupSpec  `json:"repo_groups"`
}

type pulpServerSpec struct {
	Credentials            string                      `json:"credentials"`
	RepoConfigRegistration *registrationSpec           `json:"repo_config_registration,omitempty"`
	RepoGroups             map[string]groupBindingSpec `json:"repo_groups,omitempty"`
	SnapshotSupport        *snapshotSupportSpec        `json:"snapshot_support,omitempty"`
}

type registrationSpec struct {
	Schedule   string `json:"schedule"`
	MaxRuntime string `json:"max_runtime"`
}

type groupBindingSpec struct {
	Schedule          string `json:"schedule"`
	MaxConcurrentSync int    `json:"max_concurrent_sync"`
	MaxRuntime        string `json:"max_runtime"`
	PulpMaster        string `json:"pulp_master,omitempty"`
}

type snapshotSupportSpec struct {
	MaxConcurrentSnapshots int `json:"max_concurrent_snapshots"`
}

type repoGroupSpec struct {
	RegexInclude string `json:"regex_include,omitempty"`
	RegexExclude string `json:"regex_exclude,omitempty"`
}

// CredentialsRef names a username and the vault mount its password lives
// under.
type CredentialsRef struct {
	Username                 string `json:"username"`
	VaultServiceAccountMount string `json:"vault_service_account_mount"`
}

// RegistrationBinding schedules repo-config registration for one server.
type RegistrationBinding struct {
	Server     string
	Schedule   string
	MaxRuntime api.Duration
}

// Catalog is the fully resolved fleet description. It is immutable after
// load; reloads build a new Catalog and swap it into a Holder.
type Catalog struct {
	Servers       []api.PulpServer
	Groups        []api.RepoGroup
	Bindings      []api.ServerRepoGroup
	Registrations []RegistrationBinding
	Credentials   map[string]CredentialsRef
}

// Server returns the named server spec, or nil.
func (c *Catalog) Server(name string) *api.PulpServer {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}

// Group returns the named repo group, or nil.
func (c *Catalog) Group(name string) *api.RepoGroup {
	for i := range c.Groups {
		if c.Groups[i].Name == name {
			return &c.Groups[i]
		}
	}
	return nil
}

// BindingsFor returns the group bindings of one server.
func (c *Catalog) BindingsFor(server string) []api.ServerRepoGroup {
	var out []api.ServerRepoGroup
	for _, b := range c.Bindings {
		if b.Server == server {
			out = append(out, b)
		}
	}
	return out
}

// CronParser is the five-field parser every schedule in the fleet config
// must satisfy.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// LoadFleet reads, validates and resolves the YAML fleet config. An empty
// path falls back to the PULP_MANAGER_FLEET_CONFIG environment variable.
func LoadFleet(path string) (*Catalog, error) {
	if path == "" {
		path = os.Getenv(FleetConfigEnvVar)
	}
	if path == "" {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "no fleet config: pass --fleet-config or set %s", FleetConfigEnvVar)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "failed to read fleet config: %v", err)
	}
	return ParseFleet(raw)
}

// ParseFleet builds a Catalog from fleet YAML bytes.
func ParseFleet(raw []byte) (*Catalog, error) {
	var file fleetFile
	if err := yaml.UnmarshalStrict(raw, &file); err != nil {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "failed to parse fleet config: %v", err)
	}

	var errs []error

	serverNames := sets.New[string]()
	lowered := sets.New[string]()
	for name := range file.PulpServers {
		serverNames.Insert(name)
		l := strings.ToLower(name)
		if lowered.Has(l) {
			errs = append(errs, fmt.Errorf("duplicate pulp server name %q (names are case-insensitive)", name))
		}
		lowered.Insert(l)
	}

	for name, spec := range file.RepoGroups {
		if spec.RegexInclude != "" {
			if _, err := regexp.Compile(spec.RegexInclude); err != nil {
				errs = append(errs, fmt.Errorf("repo group %s: regex_include does not compile: %w", name, err))
			}
		}
		if spec.RegexExclude != "" {
			if _, err := regexp.Compile(spec.RegexExclude); err != nil {
				errs = append(errs, fmt.Errorf("repo group %s: regex_exclude does not compile: %w", name, err))
			}
		}
	}

	catalog := &Catalog{Credentials: file.Credentials}
	if catalog.Credentials == nil {
		catalog.Credentials = map[string]CredentialsRef{}
	}

	for _, name := range sets.List(serverNames) {
		spec := file.PulpServers[name]

		if _, ok := file.Credentials[spec.Credentials]; !ok {
			errs = append(errs, fmt.Errorf("pulp server %s: unknown credentials reference %q", name, spec.Credentials))
		}

		server := api.PulpServer{
			Name:           name,
			BaseURL:        "https://" + name,
			CredentialsRef: spec.Credentials,
			Active:         true,
		}
		if spec.SnapshotSupport != nil {
			if spec.SnapshotSupport.MaxConcurrentSnapshots <= 0 {
				errs = append(errs, fmt.Errorf("pulp server %s: max_concurrent_snapshots must be positive, got %d", name, spec.SnapshotSupport.MaxConcurrentSnapshots))
			}
			server.SnapshotSupported = true
			server.MaxConcurrentSnapshots = spec.SnapshotSupport.MaxConcurrentSnapshots
		}
		catalog.Servers = append(catalog.Servers, server)

		if reg := spec.RepoConfigRegistration; reg != nil {
			if _, err := CronParser.Parse(reg.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("pulp server %s: repo_config_registration schedule %q does not parse: %w", name, reg.Schedule, err))
			}
			maxRuntime, err := api.ParseDuration(reg.MaxRuntime)
			if err != nil {
				errs = append(errs, fmt.Errorf("pulp server %s: repo_config_registration max_runtime: %w", name, err))
			}
			catalog.Registrations = append(catalog.Registrations, RegistrationBinding{
				Server:     name,
				Schedule:   reg.Schedule,
				MaxRuntime: maxRuntime,
			})
		}

		groupNames := make([]string, 0, len(spec.RepoGroups))
		for groupName := range spec.RepoGroups {
			groupNames = append(groupNames, groupName)
		}
		sort.Strings(groupNames)
		for _, groupName := range groupNames {
			binding := spec.RepoGroups[groupName]
			if _, ok := file.RepoGroups[groupName]; !ok {
				errs = append(errs, fmt.Errorf("pulp server %s: unknown repo group %q", name, groupName))
			}
			if _, err := CronParser.Parse(binding.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("pulp server %s: repo group %s schedule %q does not parse: %w", name, groupName, binding.Schedule, err))
			}
			if binding.MaxConcurrentSync <= 0 {
				errs = append(errs, fmt.Errorf("pulp server %s: repo group %s: max_concurrent_sync must be positive, got %d", name, groupName, binding.MaxConcurrentSync))
			}
			maxRuntime, err := api.ParseDuration(binding.MaxRuntime)
			if err != nil {
				errs = append(errs, fmt.Errorf("pulp server %s: repo group %s max_runtime: %w", name, groupName, err))
			}
			if binding.PulpMaster != "" && !serverNames.Has(binding.PulpMaster) {
				errs = append(errs, fmt.Errorf("pulp server %s: repo group %s: pulp_master %q is not a configured server", name, groupName, binding.PulpMaster))
			}
			catalog.Bindings = append(catalog.Bindings, api.ServerRepoGroup{
				Server:            name,
				Group:             groupName,
				Schedule:          binding.Schedule,
				MaxConcurrentSync: binding.MaxConcurrentSync,
				MaxRuntime:        maxRuntime,
				SourceServer:      binding.PulpMaster,
				Active:            true,
			})
		}
	}

	groupNames := make([]string, 0, len(file.RepoGroups))
	for name := range file.RepoGroups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)
	for _, name := range groupNames {
		spec := file.RepoGroups[name]
		catalog.Groups = append(catalog.Groups, api.RepoGroup{
			Name:         name,
			RegexInclude: spec.RegexInclude,
			RegexExclude: spec.RegexExclude,
			Active:       true,
		})
	}

	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, api.TagError(api.ErrorConfigInvalid, err)
	}
	return catalog, nil
}

// Marshal renders the Catalog back into fleet YAML. Load followed by
// Marshal followed by ParseFleet yields an equivalent Catalog.
func (c *Catalog) Marshal() ([]byte, error) {
	file := fleetFile{
		PulpServers: map[string]pulpServerSpec{},
		Credentials: c.Credentials,
		RepoGroups:  map[string]repoGroupSpec{},
	}
	for _, g := range c.Groups {
		file.RepoGroups[g.Name] = repoGroupSpec{RegexInclude: g.RegexInclude, RegexExclude: g.RegexExclude}
	}
	for _, s := range c.Servers {
		spec := pulpServerSpec{Credentials: s.CredentialsRef}
		if s.SnapshotSupported {
			spec.SnapshotSupport = &snapshotSupportSpec{MaxConcurrentSnapshots: s.MaxConcurrentSnapshots}
		}
		for _, b := range c.BindingsFor(s.Name) {
			if spec.RepoGroups == nil {
				spec.RepoGroups = map[string]groupBindingSpec{}
			}
			spec.RepoGroups[b.Group] = groupBindingSpec{
				Schedule:          b.Schedule,
				MaxConcurrentSync: b.MaxConcurrentSync,
				MaxRuntime:        b.MaxRuntime.String(),
				PulpMaster:        b.SourceServer,
			}
		}
		for _, r := range c.Registrations {
			if r.Server == s.Name {
				spec.RepoConfigRegistration = &registrationSpec{Schedule: r.Schedule, MaxRuntime: r.MaxRuntime.String()}
			}
		}
		file.PulpServers[s.Name] = spec
	}
	return yaml.Marshal(file)
}

// Holder publishes the active Catalog to readers while reloads swap it
// atomically.
type Holder struct {
	current atomic.Pointer[Catalog]
}

// NewHolder seeds a holder with the initial catalog.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.current.Store(c)
	return h
}

// Get returns the active catalog.
func (h *Holder) Get() *Catalog {
	return h.current.Load()
}

// Swap publishes a newly loaded catalog.
func (h *Holder) Swap(c *Catalog) {
	h.current.Store(c)
}
