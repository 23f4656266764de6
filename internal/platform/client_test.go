package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
)

func newTestClient(t *testing.T, url string) *HTTPClient {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewHTTPClient(config.PlatformConfig{
		BaseURL:     url,
		APIToken:    "tok",
		TimeoutSecs: 2,
		MaxRetries:  2,
	}, log)
}

func TestCreateActivitySendsBearerAuth(t *testing.T) {
	var gotAuth string
	var gotPayload ActivityPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.CreateActivity(context.Background(), ActivityPayload{
		SessionID: "s1",
		Content:   ActivityContent{Type: ActivityTypeThought, Body: "hello"},
		Ephemeral: true,
	})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotPayload.SessionID != "s1" || !gotPayload.Ephemeral {
		t.Errorf("payload = %+v", gotPayload)
	}
}

func TestUpdateActivityPatchesByID(t *testing.T) {
	var gotMethod, gotPath string
	var gotContent ActivityContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotContent)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).UpdateActivity(context.Background(), "a1", ActivityContent{
		Type: ActivityTypeResponse,
		Body: "superseded",
	})
	if err != nil {
		t.Fatalf("update activity: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/agent-activities/a1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotContent.Body != "superseded" {
		t.Errorf("content = %+v", gotContent)
	}
}

func TestGetIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/issues/abc" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Issue{ID: "abc", Identifier: "TEST-1", TeamKey: "TEST"})
	}))
	defer srv.Close()

	issue, err := newTestClient(t, srv.URL).GetIssue(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.Identifier != "TEST-1" {
		t.Errorf("issue = %+v", issue)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).CreateActivity(context.Background(), ActivityPayload{SessionID: "s"})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).CreateActivity(context.Background(), ActivityPayload{SessionID: "s"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).CreateActivity(context.Background(), ActivityPayload{SessionID: "s"})
	if !errors.Is(err, ErrPlatformUnavailable) {
		t.Errorf("err = %v, want ErrPlatformUnavailable", err)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestClient(t, srv.URL).CreateActivity(ctx, ActivityPayload{SessionID: "s"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
