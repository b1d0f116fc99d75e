package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

const appFixture = `[ca]
root_ca_file_path = /etc/pki/internal-root.crt

[auth]
method = ldap
use_ssl = true
ldap_servers = ldap1.example.com:636, ldap2.example.com:636
base_dn = dc=example,dc=com
default_domain = example.com
jwt_algorithm = HS256
jwt_token_lifetime_mins = 120
admin_group = pulp-admins
require_jwt_auth = true

[pulp]
deb_signing_service = legacy
banned_package_regex = ^blocked-
internal_domains = corp.example.com, build.example.com
git_repo_config = https://git.example.com/pulp/repo-config.git
git_repo_config_dir = repos
password = hunter2
internal_package_prefix = internal
package_name_replacement_pattern = ^(?P<project>[a-z]+)-(?P<rest>.*)$
package_name_replacement_rule = {project}/{rest}
remote_tls_validation = true
use_https_for_sync = true

[redis]
host = redis.example.com
port = 6380
db = 2
max_page_size = 200

[remotes]
sock_connect_timeout = 5
sock_read_timeout = 60

[paging]
default_page_size = 25
max_page_size = 100

[vault]
vault_addr = https://vault.example.com:8200
repo_secret_namespace = pulp
`

func writeAppConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulp_manager.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}
	return path
}

func TestLoadApp(t *testing.T) {
	app, err := LoadApp(writeAppConfig(t, appFixture))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff([]string{"ldap1.example.com:636", "ldap2.example.com:636"}, app.Auth.LDAPServerList()); diff != "" {
		t.Errorf("unexpected ldap servers: %s", diff)
	}
	if diff := cmp.Diff([]string{"corp.example.com", "build.example.com"}, app.Pulp.InternalDomainList()); diff != "" {
		t.Errorf("unexpected internal domains: %s", diff)
	}
	if expected := "redis://redis.example.com:6380/2"; app.Redis.URL() != expected {
		t.Errorf("expected redis url %s, got %s", expected, app.Redis.URL())
	}
	if app.Auth.JWTTokenLifetimeMins != 120 {
		t.Errorf("expected token lifetime 120, got %d", app.Auth.JWTTokenLifetimeMins)
	}
	if app.Remotes.ReadTimeout().Seconds() != 60 {
		t.Errorf("expected 60s read timeout, got %s", app.Remotes.ReadTimeout())
	}
	if !app.Pulp.RemoteTLSValidation {
		t.Error("expected remote_tls_validation to be true")
	}
}

func TestLoadAppDefaults(t *testing.T) {
	app, err := LoadApp(writeAppConfig(t, "[pulp]\ngit_repo_config = https://git.example.com/cfg.git\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if app.Redis.Host != "127.0.0.1" || app.Redis.Port != 6379 {
		t.Errorf("expected redis defaults, got %s:%d", app.Redis.Host, app.Redis.Port)
	}
	if app.Paging.DefaultPageSize != 50 || app.Paging.MaxPageSize != 500 {
		t.Errorf("expected paging defaults, got %d/%d", app.Paging.DefaultPageSize, app.Paging.MaxPageSize)
	}
	if app.Remotes.SockConnectTimeout != 10 || app.Remotes.SockReadTimeout != 30 {
		t.Errorf("expected remote timeout defaults, got %d/%d", app.Remotes.SockConnectTimeout, app.Remotes.SockReadTimeout)
	}
	if app.Pulp.InternalPackagePrefix != "internal" {
		t.Errorf("expected internal prefix default, got %q", app.Pulp.InternalPackagePrefix)
	}
}

func TestLoadAppInvalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{
			name:    "banned package regex does not compile",
			content: "[pulp]\nbanned_package_regex = *broken\n",
		},
		{
			name:    "replacement pattern without rule",
			content: "[pulp]\npackage_name_replacement_pattern = ^(?P<a>.*)$\n",
		},
		{
			name:    "default page size above max",
			content: "[paging]\ndefault_page_size = 500\nmax_page_size = 100\n",
		},
		{
			name:    "zero read timeout",
			content: "[remotes]\nsock_connect_timeout = 5\nsock_read_timeout = 0\n",
		},
		{
			name:    "jwt required without ldap servers",
			content: "[auth]\nrequire_jwt_auth = true\nldap_servers =\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadApp(writeAppConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected error, got none")
			}
			if !api.IsConfigInvalid(err) {
				t.Errorf("expected a config_invalid error, got %v", err)
			}
		})
	}
}

func TestLoadAppMissingPath(t *testing.T) {
	t.Setenv(AppConfigEnvVar, "")
	if _, err := LoadApp(""); !api.IsConfigInvalid(err) {
		t.Errorf("expected config_invalid for missing path, got %v", err)
	}
}

func TestLoadAppEnvFallback(t *testing.T) {
	path := writeAppConfig(t, appFixture)
	t.Setenv(AppConfigEnvVar, path)
	app, err := LoadApp("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if app.Vault.VaultAddr != "https://vault.example.com:8200" {
		t.Errorf("unexpected vault addr %q", app.Vault.VaultAddr)
	}
}
