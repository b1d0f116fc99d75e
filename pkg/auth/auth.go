// Package auth authenticates API callers against LDAP and issues the JWTs
// that protected routes check. Admin rights come from directory group
// membership, not from anything stored in the manager.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"
	jwt "github.com/golang-jwt/jwt"
	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/pulp-ops/pulp-manager/pkg/config"
)

// SecretEnvVar holds the JWT signing secret in production deployments.
const SecretEnvVar = "PULP_MANAGER_JWT_SECRET"

type ldapConn interface {
	Bind(username, password string) error
	Search(searchRequest *ldapv3.SearchRequest) (*ldapv3.SearchResult, error)
	Close() error
}

// Identity describes an authenticated user.
type Identity struct {
	Username string   `json:"username"`
	Groups   []string `json:"groups,omitempty"`
	Admin    bool     `json:"admin"`
}

// Claims is the JWT payload minted on login.
type Claims struct {
	jwt.StandardClaims
	Username string   `json:"username"`
	Groups   []string `json:"groups,omitempty"`
	Admin    bool     `json:"admin"`
}

type invalidCredentialsErr struct {
	user string
}

func (e *invalidCredentialsErr) Error() string {
	return fmt.Sprintf("invalid credentials for %s", e.user)
}

// IsInvalidCredentials returns true if the error indicates a failed bind or
// an unknown user, as opposed to the directory being unreachable.
func IsInvalidCredentials(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*invalidCredentialsErr)
	return ok
}

// Authenticator binds against the configured LDAP servers and signs tokens.
type Authenticator struct {
	cfg    config.Auth
	secret []byte
	dial   func(server string) (ldapConn, error)
	now    func() time.Time
}

// New builds an Authenticator from the auth section of the application
// config. The secret signs and verifies tokens and must be set whenever
// enforcement is on.
func New(cfg config.Auth, secret []byte) (*Authenticator, error) {
	if cfg.RequireJWTAuth && len(secret) == 0 {
		return nil, fmt.Errorf("auth.require_jwt_auth is enabled but no signing secret is configured, set %s", SecretEnvVar)
	}
	return &Authenticator{
		cfg:    cfg,
		secret: secret,
		dial:   dialFunc(cfg.UseSSL),
		now:    time.Now,
	}, nil
}

// Enforced reports whether requests must carry a token.
func (a *Authenticator) Enforced() bool {
	return a.cfg.RequireJWTAuth
}

func dialFunc(useSSL bool) func(string) (ldapConn, error) {
	return func(server string) (ldapConn, error) {
		addr := server
		if !strings.Contains(addr, "://") {
			scheme := "ldap"
			if useSSL {
				scheme = "ldaps"
			}
			addr = fmt.Sprintf("%s://%s", scheme, addr)
		}
		return ldapv3.DialURL(addr)
	}
}

func (a *Authenticator) connect() (ldapConn, error) {
	servers := a.cfg.LDAPServerList()
	if len(servers) == 0 {
		return nil, fmt.Errorf("no ldap servers configured")
	}
	var errs []error
	for _, server := range servers {
		conn, err := a.dial(server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		return conn, nil
	}
	return nil, utilerrors.NewAggregate(errs)
}

// Login verifies the password with an LDAP bind and resolves the user's
// groups. The returned identity carries the admin flag derived from
// auth.admin_group membership.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Identity, error) {
	// An empty password would turn the bind into an anonymous one, which
	// most directories accept.
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, &invalidCredentialsErr{user: username}
	}

	conn, err := a.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to reach an ldap server: %w", err)
	}
	defer conn.Close()

	short := username
	if i := strings.Index(short, "@"); i != -1 {
		short = short[:i]
	}
	bindUser := username
	if !strings.Contains(username, "@") && a.cfg.DefaultDomain != "" {
		bindUser = fmt.Sprintf("%s@%s", username, a.cfg.DefaultDomain)
	}

	if err := conn.Bind(bindUser, password); err != nil {
		if ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultInvalidCredentials) {
			return nil, &invalidCredentialsErr{user: username}
		}
		return nil, fmt.Errorf("failed to bind as %s: %w", bindUser, err)
	}

	filter := fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldapv3.EscapeFilter(short))
	searchReq := ldapv3.NewSearchRequest(a.cfg.BaseDN, ldapv3.ScopeWholeSubtree, 0, 0, 0, false, filter, []string{"memberOf"}, []ldapv3.Control{})

	result, err := conn.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to search ldap: %w", err)
	}

	switch l := len(result.Entries); {
	case l == 0:
		return nil, &invalidCredentialsErr{user: username}
	case l > 1:
		// this should never happen
		return nil, fmt.Errorf("found %d directory entries for %s", l, short)
	}

	groups := groupNames(result.Entries[0].GetAttributeValues("memberOf"))
	return &Identity{
		Username: short,
		Groups:   groups.List(),
		Admin:    groups.HasAny(a.cfg.AdminGroupList()...),
	}, nil
}

// groupNames extracts the leading CN of every group DN in memberOf values.
func groupNames(values []string) sets.String {
	groups := sets.NewString()
	for _, dn := range values {
		first := dn
		if i := strings.Index(dn, ","); i != -1 {
			first = dn[:i]
		}
		if len(first) < 3 || !strings.EqualFold(first[:3], "cn=") {
			logrus.WithField("memberOf", dn).Warn("failed to parse group DN")
			continue
		}
		groups.Insert(first[3:])
	}
	return groups
}

// Token signs a JWT for the identity with the configured lifetime.
func (a *Authenticator) Token(identity *Identity) (string, error) {
	now := a.now()
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   identity.Username,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(time.Duration(a.cfg.JWTTokenLifetimeMins) * time.Minute).Unix(),
		},
		Username: identity.Username,
		Groups:   identity.Groups,
		Admin:    identity.Admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a bearer token, returning its claims.
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}
