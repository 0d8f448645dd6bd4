package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rundown/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeDataStore) (http.Handler, string) {
	t.Helper()
	svc := newTestService(fs)
	token, _, err := svc.Login("dana@example.com", "Dana")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return NewHTTPServer(svc, "*").Handler(), token
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestServer(t, &fakeDataStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS origin = %q", got)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	fs := &fakeDataStore{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	}
	handler, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var body struct {
		OK     bool           `json:"ok"`
		Checks map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.OK {
		t.Fatal("ok = true on a failing database")
	}
	db, _ := body.Checks["database"].(map[string]any)
	if db["status"] != "error" {
		t.Fatalf("database check = %+v", db)
	}
}

func TestPreflightRequest(t *testing.T) {
	handler, _ := newTestServer(t, &fakeDataStore{})

	req := httptest.NewRequest(http.MethodOptions, "/api/rundowns", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func TestRundownRoutesRequireAuth(t *testing.T) {
	handler, _ := newTestServer(t, &fakeDataStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/rundowns", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestGetRundownIncludesTiming(t *testing.T) {
	fs := &fakeDataStore{
		getFn: func(context.Context, string) (store.Rundown, error) { return storedRundown(3), nil },
	}
	handler, token := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodGet, "/api/rundowns/rd1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Rundown store.Rundown      `json:"rundown"`
		Timing  []store.ItemTiming `json:"timing"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Rundown.DocVersion != 3 {
		t.Fatalf("doc version = %d, want 3", body.Rundown.DocVersion)
	}
	if len(body.Timing) != 2 {
		t.Fatalf("timing rows = %d, want 2", len(body.Timing))
	}
	// The header row gets no schedule; the first real row starts on air time.
	if body.Timing[0].Start != "" || body.Timing[1].Start != "18:00" {
		t.Fatalf("timing = %+v", body.Timing)
	}
}

func TestSaveConflictResponseCarriesCurrentRow(t *testing.T) {
	fs := &fakeDataStore{
		updateFn: func(context.Context, string, store.RundownPatch, int64) (store.SaveResult, error) {
			return store.SaveResult{}, store.ErrVersionConflict
		},
		getFn: func(context.Context, string) (store.Rundown, error) { return storedRundown(7), nil },
	}
	handler, token := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodPut, "/api/rundowns/rd1", bytes.NewBufferString(`{"expectedVersion":6}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	var body struct {
		Code    string        `json:"code"`
		Details store.Rundown `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "VERSION_CONFLICT" {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Details.DocVersion != 7 {
		t.Fatalf("details version = %d, want the server row at 7", body.Details.DocVersion)
	}
}

func TestSearchValidatesLimit(t *testing.T) {
	handler, token := newTestServer(t, &fakeDataStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=weather&limit=abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
}

func TestTagVersionWithoutHistoryBackend(t *testing.T) {
	handler, token := newTestServer(t, &fakeDataStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/rundowns/rd1/versions", bytes.NewBufferString(`{"name":"pre-air"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	handler, token := newTestServer(t, &fakeDataStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
