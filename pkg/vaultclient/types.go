package vaultclient

import (
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
)

type keyResponse struct {
	Keys []string `json:"keys,omitempty"`
}

func IsNotFound(err error) bool {
	respErr := &api.ResponseError{}
	if ok := errors.As(err, &respErr); !ok {
		return false
	}
	return respErr.StatusCode == http.StatusNotFound
}

// KVData is the payload of a single KV v2 secret version.
type KVData struct {
	Data     map[string]string `json:"data"`
	Metadata KVMetadata        `json:"metadata"`
}

type KVMetadata struct {
	CreatedTime time.Time `json:"created_time"`
	Destroyed   bool      `json:"destroyed,omitempty"`
	Version     int       `json:"version"`
}
