// Package config loads the two configuration surfaces of the manager: the
// INI application config (connection and behavior settings) and the YAML
// fleet config (servers, credentials, repo groups and their schedules).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

// AppConfigEnvVar overrides the application config path when the flag is
// unset.
const AppConfigEnvVar = "PULP_MANAGER_CONFIG"

// FleetConfigEnvVar overrides the fleet config path when the flag is unset.
const FleetConfigEnvVar = "PULP_MANAGER_FLEET_CONFIG"

type CA struct {
	RootCAFilePath string `ini:"root_ca_file_path"`
}

type Auth struct {
	Method               string `ini:"method"`
	UseSSL               bool   `ini:"use_ssl"`
	LDAPServers          string `ini:"ldap_servers"`
	BaseDN               string `ini:"base_dn"`
	DefaultDomain        string `ini:"default_domain"`
	JWTAlgorithm         string `ini:"jwt_algorithm"`
	JWTTokenLifetimeMins int    `ini:"jwt_token_lifetime_mins"`
	AdminGroup           string `ini:"admin_group"`
	RequireJWTAuth       bool   `ini:"require_jwt_auth"`
}

// LDAPServerList splits the comma-separated ldap_servers value.
func (a *Auth) LDAPServerList() []string {
	return splitAndTrim(a.LDAPServers)
}

// AdminGroupList splits the comma-separated admin_group value.
func (a *Auth) AdminGroupList() []string {
	return splitAndTrim(a.AdminGroup)
}

type Pulp struct {
	DebSigningService      string `ini:"deb_signing_service"`
	BannedPackageRegex     string `ini:"banned_package_regex"`
	InternalDomains        string `ini:"internal_domains"`
	GitRepoConfig          string `ini:"git_repo_config"`
	GitRepoConfigDir       string `ini:"git_repo_config_dir"`
	Password               string `ini:"password"`
	InternalPackagePrefix  string `ini:"internal_package_prefix"`
	NameReplacementPattern string `ini:"package_name_replacement_pattern"`
	NameReplacementRule    string `ini:"package_name_replacement_rule"`
	RemoteTLSValidation    bool   `ini:"remote_tls_validation"`
	UseHTTPSForSync        bool   `ini:"use_https_for_sync"`
}

// InternalDomainList splits the comma-separated internal_domains value.
func (p *Pulp) InternalDomainList() []string {
	return splitAndTrim(p.InternalDomains)
}

type Redis struct {
	Host        string `ini:"host"`
	Port        int    `ini:"port"`
	DB          int    `ini:"db"`
	MaxPageSize int    `ini:"max_page_size"`
}

// URL renders the redis connection string go-redis understands.
func (r *Redis) URL() string {
	return fmt.Sprintf("redis://%s:%d/%d", r.Host, r.Port, r.DB)
}

type Remotes struct {
	SockConnectTimeout int `ini:"sock_connect_timeout"`
	SockReadTimeout    int `ini:"sock_read_timeout"`
}

func (r *Remotes) ConnectTimeout() time.Duration {
	return time.Duration(r.SockConnectTimeout) * time.Second
}

func (r *Remotes) ReadTimeout() time.Duration {
	return time.Duration(r.SockReadTimeout) * time.Second
}

type Paging struct {
	DefaultPageSize int `ini:"default_page_size"`
	MaxPageSize     int `ini:"max_page_size"`
}

type Vault struct {
	VaultAddr           string `ini:"vault_addr"`
	RepoSecretNamespace string `ini:"repo_secret_namespace"`
}

// App is the parsed application config.
type App struct {
	CA      CA
	Auth    Auth
	Pulp    Pulp
	Redis   Redis
	Remotes Remotes
	Paging  Paging
	Vault   Vault
}

func defaultApp() *App {
	return &App{
		Auth: Auth{
			Method:               "ldap",
			JWTAlgorithm:         "HS256",
			JWTTokenLifetimeMins: 60,
		},
		Pulp: Pulp{
			InternalPackagePrefix: "internal",
			RemoteTLSValidation:   true,
			UseHTTPSForSync:       true,
		},
		Redis: Redis{
			Host: "127.0.0.1",
			Port: 6379,
		},
		Remotes: Remotes{
			SockConnectTimeout: 10,
			SockReadTimeout:    30,
		},
		Paging: Paging{
			DefaultPageSize: 50,
			MaxPageSize:     500,
		},
	}
}

// LoadApp reads and validates the INI application config. An empty path
// falls back to the PULP_MANAGER_CONFIG environment variable.
func LoadApp(path string) (*App, error) {
	if path == "" {
		path = os.Getenv(AppConfigEnvVar)
	}
	if path == "" {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "no application config: pass --app-config or set %s", AppConfigEnvVar)
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, api.TagErrorf(api.ErrorConfigInvalid, "failed to load application config %s: %v", path, err)
	}

	app := defaultApp()
	for section, into := range map[string]interface{}{
		"ca":      &app.CA,
		"auth":    &app.Auth,
		"pulp":    &app.Pulp,
		"redis":   &app.Redis,
		"remotes": &app.Remotes,
		"paging":  &app.Paging,
		"vault":   &app.Vault,
	} {
		if err := file.Section(section).MapTo(into); err != nil {
			return nil, api.TagErrorf(api.ErrorConfigInvalid, "failed to map section [%s] of %s: %v", section, path, err)
		}
	}

	if err := app.validate(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) validate() error {
	var errs []error
	if a.Pulp.BannedPackageRegex != "" {
		if _, err := regexp.Compile(a.Pulp.BannedPackageRegex); err != nil {
			errs = append(errs, fmt.Errorf("pulp.banned_package_regex does not compile: %w", err))
		}
	}
	if a.Pulp.NameReplacementPattern != "" {
		if _, err := regexp.Compile(a.Pulp.NameReplacementPattern); err != nil {
			errs = append(errs, fmt.Errorf("pulp.package_name_replacement_pattern does not compile: %w", err))
		}
		if a.Pulp.NameReplacementRule == "" {
			errs = append(errs, fmt.Errorf("pulp.package_name_replacement_rule must be set when a replacement pattern is configured"))
		}
	}
	if a.Paging.DefaultPageSize <= 0 || a.Paging.MaxPageSize <= 0 {
		errs = append(errs, fmt.Errorf("paging sizes must be positive, got default=%d max=%d", a.Paging.DefaultPageSize, a.Paging.MaxPageSize))
	}
	if a.Paging.DefaultPageSize > a.Paging.MaxPageSize {
		errs = append(errs, fmt.Errorf("paging.default_page_size %d exceeds paging.max_page_size %d", a.Paging.DefaultPageSize, a.Paging.MaxPageSize))
	}
	if a.Remotes.SockConnectTimeout <= 0 || a.Remotes.SockReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("remotes timeouts must be positive seconds, got connect=%d read=%d", a.Remotes.SockConnectTimeout, a.Remotes.SockReadTimeout))
	}
	if a.Auth.RequireJWTAuth {
		if len(a.Auth.LDAPServerList()) == 0 {
			errs = append(errs, fmt.Errorf("auth.ldap_servers must be set when auth.require_jwt_auth is enabled"))
		}
		if a.Auth.JWTTokenLifetimeMins <= 0 {
			errs = append(errs, fmt.Errorf("auth.jwt_token_lifetime_mins must be positive, got %d", a.Auth.JWTTokenLifetimeMins))
		}
		if a.Auth.JWTAlgorithm != "HS256" {
			errs = append(errs, fmt.Errorf("auth.jwt_algorithm %q is not supported, only HS256", a.Auth.JWTAlgorithm))
		}
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return api.TagError(api.ErrorConfigInvalid, err)
	}
	return nil
}

func splitAndTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
