package vaultclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"
)

func newUpstreamClient(addr string) (*api.Client, error) {
	// Vault runs active/standby, so a failover leaves a window where no
	// replica answers. The upstream client waits try * 1-1.5 seconds between
	// attempts, so eight retries cover between 36 and 54 seconds of downtime.
	return api.NewClient(&api.Config{MaxRetries: 8, Address: addr})
}

// New returns a client that authenticates with a static token. The token is
// never renewed, so this is only suitable for short-lived invocations.
func New(addr, token string) (*VaultClient, error) {
	client, err := newUpstreamClient(addr)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	return &VaultClient{Client: client}, nil
}

// NewFromUserPass logs in through the userpass backend and keeps the
// resulting token fresh in the background, re-authenticating at half the
// token ttl. Use this for the long-running service.
func NewFromUserPass(addr, user, pass string) (*VaultClient, error) {
	upstreamClient, err := newUpstreamClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to construct client: %w", err)
	}
	client := &VaultClient{Client: upstreamClient}
	token, ttl, err := userPassLogin(client, user, pass)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	go client.refreshTokenWhenNeeded(ttl, func(client *VaultClient) (string, time.Duration, error) {
		return userPassLogin(client, user, pass)
	})

	return client, nil
}

func userPassLogin(upstreamClient *VaultClient, user, pass string) (string, time.Duration, error) {
	// Clone the client before resetting the token
	client, err := upstreamClient.Client.Clone()
	if err != nil {
		return "", 0, fmt.Errorf("failed to clone client: %w", err)
	}
	client.SetToken("")

	resp, err := client.Logical().Write(fmt.Sprintf("auth/userpass/login/%s", user), map[string]interface{}{"password": pass})
	if err != nil {
		return "", 0, fmt.Errorf("failed to log into vault: %w", err)
	}

	ttl, err := resp.TokenTTL()
	if err != nil {
		return "", 0, fmt.Errorf("failed to get ttl from token: %w", err)
	}

	return resp.Auth.ClientToken, ttl, nil
}

type VaultClient struct {
	*api.Client
	isCredentialExpired     bool
	isCredentialExpiredLock sync.Mutex
}

func (v *VaultClient) IsCredentialExpired() bool {
	v.isCredentialExpiredLock.Lock()
	defer v.isCredentialExpiredLock.Unlock()
	return v.isCredentialExpired
}

func (v *VaultClient) refreshTokenWhenNeeded(ttl time.Duration, refreshFn func(*VaultClient) (string, time.Duration, error)) {
	var newToken string
	var err error
	for {
		time.Sleep(ttl / 2)

		expiry := time.Now().Add(ttl / 2)
		try := 1
		for {
			if time.Now().After(expiry) {
				v.isCredentialExpiredLock.Lock()
				v.isCredentialExpired = true
				v.isCredentialExpiredLock.Unlock()
			}

			newToken, ttl, err = refreshFn(v)
			if err != nil {
				logrus.WithError(err).WithField("try", try).Error("failed to refresh vault token")
				try++
				time.Sleep(2 * time.Second)
				continue
			}

			v.SetToken(newToken)
			v.isCredentialExpiredLock.Lock()
			v.isCredentialExpired = false
			v.isCredentialExpiredLock.Unlock()
			break
		}
	}
}

func (v *VaultClient) GetKV(path string) (*KVData, error) {
	var response KVData
	if err := v.readInto(InsertDataIntoPath(path), &response); err != nil {
		return nil, fmt.Errorf("failed to get item at path %q: %w", path, err)
	}
	return &response, nil
}

func (v *VaultClient) ListKV(path string) ([]string, error) {
	var keyResponse keyResponse
	if err := v.listInto(InsertMetadataIntoPath(path), &keyResponse); err != nil {
		return nil, err
	}
	return keyResponse.Keys, nil
}

// InsertMetadataIntoPath inserts '/metadata' as second element into a given
// path (which itself might have only one element)
func InsertMetadataIntoPath(path string) string {
	i := strings.Index(path, "/")
	if i < 0 {
		return path + "/metadata"
	}
	return path[:i] + "/metadata" + path[i:]
}

// InsertDataIntoPath inserts '/data' as second element into a given
// path (which itself might have only one element)
func InsertDataIntoPath(path string) string {
	i := strings.Index(path, "/")
	if i < 0 {
		return path + "/data"
	}
	return path[:i] + "/data" + path[i:]
}

func (v *VaultClient) listInto(path string, target interface{}) error {
	raw, err := v.Logical().List(path)
	if err != nil {
		return err
	}
	// 404 for list means no results: https://github.com/hashicorp/vault/issues/5861
	if raw == nil || raw.Data == nil {
		return nil
	}
	return dataInto(raw.Data, target)
}

func (v *VaultClient) readInto(path string, target interface{}) error {
	raw, err := v.Logical().Read(path)
	if err != nil {
		return err
	}
	// The upstream client turns 404s into `nil, nil`, surface them as an error
	if raw == nil || raw.Data == nil {
		return &api.ResponseError{StatusCode: http.StatusNotFound}
	}
	return dataInto(raw.Data, target)
}

func dataInto(d map[string]interface{}, target interface{}) error {
	serialized, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to serialize data from response: %w", err)
	}
	if err := json.Unmarshal(serialized, target); err != nil {
		return fmt.Errorf("failed to unmarshal data '%s' into %T: %w", string(serialized), target, err)
	}

	return nil
}
