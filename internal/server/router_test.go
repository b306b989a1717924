package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/processor"
	"github.com/loykin/agenda/internal/registry"
	"github.com/loykin/agenda/internal/repository"
	"github.com/loykin/agenda/internal/repository/sqlite"
)

func setupRouter(t *testing.T, base string) (http.Handler, repository.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(registry.Defaults{Concurrency: 1, LockLifetime: time.Minute})
	if _, err := reg.Define("noop", func(context.Context, *job.Handle) error { return nil }); err != nil {
		t.Fatalf("Define: %v", err)
	}
	proc := processor.New(reg, store, processor.Config{})

	r := NewRouter(store, proc, base)
	return r.Handler(), store
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSaveJobMissingName(t *testing.T) {
	h, _ := setupRouter(t, "/abc")
	rec := doReq(t, h, http.MethodPost, "/abc/jobs", job.Record{Type: job.TypeNormal})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSaveJobInvalidName(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/jobs", job.Record{Name: "../bad"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSaveListGetJob(t *testing.T) {
	h, _ := setupRouter(t, "/api/")
	rec := doReq(t, h, http.MethodPost, "/api/jobs", job.Record{Name: "noop"})
	if rec.Code != http.StatusOK {
		t.Fatalf("save expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved job.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected a generated id")
	}

	rec = doReq(t, h, http.MethodGet, "/api/jobs?name=noop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page repository.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 record, got %d", page.Total)
	}

	rec = doReq(t, h, http.MethodGet, "/api/jobs/"+saved.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/jobs/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDisableEnableAndPurge(t *testing.T) {
	h, _ := setupRouter(t, "")
	doReq(t, h, http.MethodPost, "/jobs", job.Record{Name: "noop"})

	rec := doReq(t, h, http.MethodPost, "/jobs/disable?name=noop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPost, "/jobs/enable?name=noop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodDelete, "/jobs?name=noop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("purge expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodGet, "/jobs?name=noop", nil)
	var page repository.Page
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 0 {
		t.Fatalf("expected 0 records after purge, got %d", page.Total)
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/jobs/does-not-exist/now", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunNowExistingJob(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/jobs", job.Record{Name: "noop"})
	var saved job.Record
	_ = json.Unmarshal(rec.Body.Bytes(), &saved)

	rec = doReq(t, h, http.MethodPost, "/jobs/"+saved.ID+"/now", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueueDepth(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/queue/noop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["name"] != "noop" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestQueueDepthInvalidName(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/queue/a..b", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestNewServerStartClose(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	reg := registry.New(registry.Defaults{})
	proc := processor.New(reg, store, processor.Config{})

	srv, err := NewServer("127.0.0.1:0", "/x", store, proc)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	_ = srv.Close()
}
