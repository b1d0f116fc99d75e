package vaultclient

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMetadataDataInsertion(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		in   string
		want string
		fn   func(string) string
	}{
		{
			name: "Metadata, single element",
			in:   "secret",
			want: "secret/metadata",
			fn:   InsertMetadataIntoPath,
		},
		{
			name: "Metadata, multi element",
			in:   "secret/and/some/nesting",
			want: "secret/metadata/and/some/nesting",
			fn:   InsertMetadataIntoPath,
		},
		{
			name: "Data, single element",
			in:   "secret",
			want: "secret/data",
			fn:   InsertDataIntoPath,
		},
		{
			name: "Data, multi element",
			in:   "secret/and/some/nesting",
			want: "secret/data/and/some/nesting",
			fn:   InsertDataIntoPath,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if want, actual := tc.want, tc.fn(tc.in); want != actual {
				t.Errorf("want %s, got %s", want, actual)
			}
		})
	}
}

func TestGetKV(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/pulp/service-accounts/primary" {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"data": {"username": "svc-pulp", "password": "hunter2"}, "metadata": {"version": 3}}}`)
	}))
	t.Cleanup(server.Close)

	client, err := New(server.URL, "some-token")
	if err != nil {
		t.Fatalf("failed to construct vault client: %v", err)
	}

	data, err := client.GetKV("secret/pulp/service-accounts/primary")
	if err != nil {
		t.Fatalf("failed to get data: %v", err)
	}
	expected := map[string]string{"username": "svc-pulp", "password": "hunter2"}
	if diff := cmp.Diff(expected, data.Data); diff != "" {
		t.Errorf("data differs from expected: %s", diff)
	}
	if data.Metadata.Version != 3 {
		t.Errorf("expected version to be 3, was %d", data.Metadata.Version)
	}

	if _, err := client.GetKV("secret/pulp/service-accounts/absent"); !IsNotFound(err) {
		t.Errorf("expected a not found error for an absent path, got %v", err)
	}
}

func TestListKV(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/metadata/pulp/service-accounts" {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"keys": ["primary", "secondary"]}}`)
	}))
	t.Cleanup(server.Close)

	client, err := New(server.URL, "some-token")
	if err != nil {
		t.Fatalf("failed to construct vault client: %v", err)
	}

	keys, err := client.ListKV("secret/pulp/service-accounts")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if diff := cmp.Diff([]string{"primary", "secondary"}, keys); diff != "" {
		t.Errorf("keys differ from expected: %s", diff)
	}

	empty, err := client.ListKV("secret/nonexistent")
	if err != nil {
		t.Fatalf("expected listing an absent path to succeed, got %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no keys for an absent path, got %v", empty)
	}
}
