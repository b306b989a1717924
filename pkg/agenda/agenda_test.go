package agenda_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/agenda/pkg/agenda"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agenda.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func newTestAgenda(t *testing.T) *agenda.Agenda {
	t.Helper()
	path := writeConfig(t, `
worker_name = "test-worker"
process_every = "10ms"

[repository]
driver = "sqlite"
dsn = ":memory:"
`)
	cfg, err := agenda.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	a, err := agenda.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAgenda_DefineSaveRunNow(t *testing.T) {
	a := newTestAgenda(t)
	ran := make(chan struct{}, 1)
	if _, err := a.Define("noop", func(context.Context, *agenda.Handle) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), false) }()

	rec, err := a.SaveJob(ctx, &agenda.Job{Name: "noop"})
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	a.RunNow(rec.ID)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run in time")
	}
}

func TestAgenda_QueryDisableEnablePurge(t *testing.T) {
	a := newTestAgenda(t)
	if _, err := a.Define("noop", func(context.Context, *agenda.Handle) error { return nil }); err != nil {
		t.Fatalf("Define: %v", err)
	}
	ctx := context.Background()

	if _, err := a.SaveJob(ctx, &agenda.Job{Name: "noop"}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	page, err := a.QueryJobs(ctx, agenda.Query{Name: "noop"})
	if err != nil {
		t.Fatalf("QueryJobs: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 record, got %d", page.Total)
	}

	if n, err := a.DisableJobs(ctx, agenda.Query{Name: "noop"}); err != nil || n != 1 {
		t.Fatalf("DisableJobs: n=%d err=%v", n, err)
	}
	if n, err := a.EnableJobs(ctx, agenda.Query{Name: "noop"}); err != nil || n != 1 {
		t.Fatalf("EnableJobs: n=%d err=%v", n, err)
	}
	if n, err := a.PurgeJobs(ctx, agenda.Query{Name: "noop"}); err != nil || n != 1 {
		t.Fatalf("PurgeJobs: n=%d err=%v", n, err)
	}
}

func TestAgenda_Events(t *testing.T) {
	a := newTestAgenda(t)
	done := make(chan agenda.EventPayload, 1)
	a.On(agenda.EventSuccess, func(p agenda.EventPayload) { done <- p })

	if _, err := a.Define("noop", func(context.Context, *agenda.Handle) error { return nil }); err != nil {
		t.Fatalf("Define: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), false) }()

	rec, err := a.SaveJob(ctx, &agenda.Job{Name: "noop"})
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	a.RunNow(rec.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a success event")
	}
}

func TestAgenda_NewServer(t *testing.T) {
	a := newTestAgenda(t)
	srv, err := a.NewServer("127.0.0.1:0", "/api")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer func() { _ = srv.Close() }()
	if srv.Addr == "" {
		t.Fatal("expected a listen address")
	}
}
