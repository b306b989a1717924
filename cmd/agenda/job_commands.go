package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/repository"
)

// command bundles the subcommands that talk to a running control plane
// (internal/server) through pkg/client, the same separation the teacher's
// cmd/provisr keeps between its daemon-API client calls and local state.
type command struct{}

func (c *command) JobSave(f JobSaveFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(f.File)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}
	var rec job.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parse job file: %w", err)
	}
	if f.Name != "" {
		rec.Name = f.Name
	}
	saved, err := cl.SaveJob(context.Background(), &rec)
	if err != nil {
		return err
	}
	printJSON(saved)
	return nil
}

func (c *command) JobList(f JobQueryFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	q := repository.Query{Name: f.Name, Tags: f.Tag, Limit: f.Limit, Skip: f.Skip}
	if f.Disabled {
		t := true
		q.Disabled = &t
	}
	page, err := cl.ListJobs(context.Background(), q)
	if err != nil {
		return err
	}
	printJSON(page)
	return nil
}

func (c *command) JobGet(f JobIDFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	rec, err := cl.GetJob(context.Background(), f.ID)
	if err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

func (c *command) JobNow(f JobIDFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	if err := cl.RunNow(context.Background(), f.ID); err != nil {
		return err
	}
	fmt.Printf("job %s queued to run now\n", f.ID)
	return nil
}

func (c *command) JobDisable(f JobQueryFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	n, err := cl.DisableJobs(context.Background(), repository.Query{Name: f.Name, Tags: f.Tag})
	if err != nil {
		return err
	}
	fmt.Printf("%d job(s) disabled\n", n)
	return nil
}

func (c *command) JobEnable(f JobQueryFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	n, err := cl.EnableJobs(context.Background(), repository.Query{Name: f.Name, Tags: f.Tag})
	if err != nil {
		return err
	}
	fmt.Printf("%d job(s) enabled\n", n)
	return nil
}

func (c *command) JobPurge(f JobQueryFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	n, err := cl.PurgeJobs(context.Background(), repository.Query{Name: f.Name, Tags: f.Tag})
	if err != nil {
		return err
	}
	fmt.Printf("%d job(s) purged\n", n)
	return nil
}

func (c *command) QueueDepth(f JobIDFlags) error {
	cl, err := newClient(f.Server, f.AuthToken)
	if err != nil {
		return err
	}
	depth, err := cl.QueueDepth(context.Background(), f.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d queued\n", f.ID, depth)
	return nil
}
