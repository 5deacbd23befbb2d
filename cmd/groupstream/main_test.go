package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/user/groupstream/internal/backend"
	"github.com/user/groupstream/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "run_id", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"run_id":"r1"`) {
		t.Errorf("expected json output, got %s", out)
	}
}

func TestMaintenanceJobs(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	stores, err := backend.Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer stores.Close()

	jobs := maintenanceJobs(cfg, stores)
	if len(jobs) != 2 {
		t.Fatalf("expected reconcile and purge jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if err := job.Run(context.Background()); err != nil {
			t.Errorf("job %s: %v", job.Name, err)
		}
	}

	stores.Purge = nil
	if jobs := maintenanceJobs(cfg, stores); len(jobs) != 1 || jobs[0].Name != "reconcile" {
		t.Errorf("expected only reconcile without purge, got %+v", jobs)
	}
}
