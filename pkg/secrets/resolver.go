package secrets

import (
	"fmt"
	"sync"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/pulp-ops/pulp-manager/pkg/api"
	"github.com/pulp-ops/pulp-manager/pkg/config"
	"github.com/pulp-ops/pulp-manager/pkg/vaultclient"
)

// VaultReader is the slice of the vault client the resolver needs.
type VaultReader interface {
	GetKV(path string) (*vaultclient.KVData, error)
	ListKV(path string) ([]string, error)
}

const defaultCacheTTL = 10 * time.Minute

// Credentials is a resolved username/password pair for a pulp API user.
type Credentials struct {
	Username string
	Password string
}

// Resolver turns fleet credentials references into usable credentials.
// Lookups are cached for a few minutes so a burst of jobs against the same
// server does not hammer vault.
type Resolver struct {
	upstream  VaultReader
	namespace string
	ttl       time.Duration
	censor    *DynamicCensor

	lock  sync.Mutex
	cache map[string]cachedCredentials
	now   func() time.Time
}

type cachedCredentials struct {
	credentials Credentials
	fetchedAt   time.Time
}

func NewResolver(upstream VaultReader, namespace string, censor *DynamicCensor) *Resolver {
	return &Resolver{
		upstream:  upstream,
		namespace: namespace,
		ttl:       defaultCacheTTL,
		censor:    censor,
		cache:     map[string]cachedCredentials{},
		now:       time.Now,
	}
}

func (r *Resolver) pathFor(ref config.CredentialsRef) string {
	return r.namespace + "/" + ref.VaultServiceAccountMount
}

// Resolve returns the credentials behind ref. Failures are tagged
// credentials_unavailable: they fail the requesting job and are not retried
// within it.
func (r *Resolver) Resolve(ref config.CredentialsRef) (Credentials, error) {
	path := r.pathFor(ref)

	// The lock covers the vault read on purpose, concurrent jobs asking for
	// the same reference result in a single fetch.
	r.lock.Lock()
	defer r.lock.Unlock()

	if cached, ok := r.cache[path]; ok && r.now().Sub(cached.fetchedAt) < r.ttl {
		return cached.credentials, nil
	}

	item, err := r.upstream.GetKV(path)
	if err != nil {
		return Credentials{}, api.TagErrorf(api.ErrorCredentialsUnavailable, "failed to read vault item %q: %v", path, err)
	}

	credentials := Credentials{Username: ref.Username, Password: item.Data["password"]}
	if credentials.Username == "" {
		credentials.Username = item.Data["username"]
	}
	if credentials.Username == "" {
		return Credentials{}, api.TagErrorf(api.ErrorCredentialsUnavailable, "vault item %q has no username and the credentials entry does not set one", path)
	}
	if credentials.Password == "" {
		return Credentials{}, api.TagErrorf(api.ErrorCredentialsUnavailable, "vault item %q has no password key", path)
	}

	r.censor.AddSecrets(credentials.Password)
	r.cache[path] = cachedCredentials{credentials: credentials, fetchedAt: r.now()}
	return credentials, nil
}

// Flush drops all cached entries, forcing the next Resolve to hit vault.
// Called on fleet config reload so rotated passwords are picked up promptly.
func (r *Resolver) Flush() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.cache = map[string]cachedCredentials{}
}

// Verify checks that every configured credentials reference has a backing
// vault item and reports all missing ones in one aggregate. It is a startup
// preflight, resolution failures at job time are handled per job.
func (r *Resolver) Verify(refs map[string]config.CredentialsRef) error {
	keys, err := r.upstream.ListKV(r.namespace)
	if err != nil {
		return api.TagErrorf(api.ErrorCredentialsUnavailable, "failed to list vault namespace %q: %v", r.namespace, err)
	}
	known := sets.New[string](keys...)

	var errs []error
	for _, name := range sets.List(sets.KeySet(refs)) {
		if mount := refs[name].VaultServiceAccountMount; !known.Has(mount) {
			errs = append(errs, fmt.Errorf("credentials %q reference vault item %q which does not exist under %q", name, mount, r.namespace))
		}
	}
	return utilerrors.NewAggregate(errs)
}
