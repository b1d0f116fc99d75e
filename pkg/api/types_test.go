package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut, JobStateSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []JobState{JobStateQueued, JobStateRunning} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestParseJobKind(t *testing.T) {
	if _, err := ParseJobKind("sync"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseJobKind("resync"); err == nil {
		t.Error("expected error for unknown kind, got none")
	}
}

func TestParseDuration(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "seconds", input: "30s", expected: 30 * time.Second},
		{name: "minutes", input: "15m", expected: 15 * time.Minute},
		{name: "hours", input: "2h", expected: 2 * time.Hour},
		{name: "days", input: "1d", expected: 24 * time.Hour},
		{name: "bare integer is seconds", input: "90", expected: 90 * time.Second},
		{name: "whitespace trimmed", input: " 10s ", expected: 10 * time.Second},
		{name: "zero rejected", input: "0s", wantErr: true},
		{name: "negative rejected", input: "-5m", wantErr: true},
		{name: "empty rejected", input: "", wantErr: true},
		{name: "unknown unit rejected", input: "10w", wantErr: true},
		{name: "garbage rejected", input: "soon", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ParseDuration(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tc.input, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Duration != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, d.Duration)
			}
		})
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	type holder struct {
		Runtime Duration `json:"max_runtime"`
	}

	for _, raw := range []string{`{"max_runtime":"90m"}`, `{"max_runtime":300}`, `{"max_runtime":"1d"}`} {
		var h holder
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			t.Fatalf("failed to unmarshal %s: %v", raw, err)
		}
		serialized, err := json.Marshal(h)
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}
		var again holder
		if err := json.Unmarshal(serialized, &again); err != nil {
			t.Fatalf("failed to unmarshal round-tripped %s: %v", serialized, err)
		}
		if diff := cmp.Diff(h.Runtime.Duration, again.Runtime.Duration); diff != "" {
			t.Errorf("round trip changed the duration: %s", diff)
		}
	}

	var h holder
	if err := json.Unmarshal([]byte(`{"max_runtime":"0s"}`), &h); err == nil {
		t.Error("expected error for zero duration, got none")
	}
}

func TestErrorKinds(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedKind  ErrorKind
		expectedState JobState
	}{
		{
			name:          "tagged credentials error",
			err:           TagErrorf(ErrorCredentialsUnavailable, "secret store said no"),
			expectedKind:  ErrorCredentialsUnavailable,
			expectedState: JobStateFailed,
		},
		{
			name:          "wrapped tag survives",
			err:           fmt.Errorf("running job: %w", TagErrorf(ErrorDeadline, "out of time")),
			expectedKind:  ErrorDeadline,
			expectedState: JobStateTimedOut,
		},
		{
			name:          "context cancellation maps to canceled",
			err:           fmt.Errorf("poll: %w", context.Canceled),
			expectedKind:  ErrorCanceled,
			expectedState: JobStateCanceled,
		},
		{
			name:          "context deadline maps to deadline",
			err:           context.DeadlineExceeded,
			expectedKind:  ErrorDeadline,
			expectedState: JobStateTimedOut,
		},
		{
			name:          "conflict maps to skipped",
			err:           TagError(ErrorConflict, errors.New("already running")),
			expectedKind:  ErrorConflict,
			expectedState: JobStateSkipped,
		},
		{
			name:          "untagged is failed",
			err:           errors.New("boom"),
			expectedKind:  "",
			expectedState: JobStateFailed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if kind := KindOf(tc.err); kind != tc.expectedKind {
				t.Errorf("expected kind %q, got %q", tc.expectedKind, kind)
			}
			if state := StateForError(tc.err); state != tc.expectedState {
				t.Errorf("expected state %s, got %s", tc.expectedState, state)
			}
		})
	}
}

func TestSyncParamsValidate(t *testing.T) {
	valid := SyncParams{MaxConcurrentSyncs: 2, MaxRuntime: DurationFrom(30 * time.Minute)}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for name, params := range map[string]SyncParams{
		"zero concurrency":     {MaxConcurrentSyncs: 0, MaxRuntime: DurationFrom(time.Minute)},
		"negative concurrency": {MaxConcurrentSyncs: -1, MaxRuntime: DurationFrom(time.Minute)},
		"zero runtime":         {MaxConcurrentSyncs: 1},
	} {
		if err := params.Validate(); err == nil {
			t.Errorf("%s: expected error, got none", name)
		}
	}
}

func TestNewJobError(t *testing.T) {
	e := NewJobError("pulp task failed", json.RawMessage(`{"description":"bad remote"}`))
	if e.Msg != "pulp task failed" {
		t.Errorf("unexpected msg %q", e.Msg)
	}
	if string(e.Detail) != `{"description":"bad remote"}` {
		t.Errorf("detail not kept verbatim: %s", e.Detail)
	}
	if e := NewJobError("plain", nil); e.Detail != nil {
		t.Errorf("expected nil detail, got %s", e.Detail)
	}
}
