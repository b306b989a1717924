package template

import (
	"encoding/json"
	"testing"

	"github.com/loykin/agenda/internal/job"
)

func TestGenerator_Generate(t *testing.T) {
	generator := NewGenerator()

	tests := []struct {
		name     string
		tmplType Type
		jobName  string
		validate func(*testing.T, *job.Record)
	}{
		{
			name:    "once",
			tmplType: TypeOnce,
			jobName:  "import-run",
			validate: func(t *testing.T, rec *job.Record) {
				if rec.Type != job.TypeNormal {
					t.Errorf("expected normal type, got %s", rec.Type)
				}
				if rec.NextRunAt == nil {
					t.Error("expected NextRunAt to be set")
				}
				if rec.RepeatInterval != "" || rec.RepeatAt != "" {
					t.Error("once template should not repeat")
				}
			},
		},
		{
			name:    "interval",
			tmplType: TypeInterval,
			jobName:  "poll-feed",
			validate: func(t *testing.T, rec *job.Record) {
				if rec.RepeatInterval == "" {
					t.Error("expected a repeat interval")
				}
			},
		},
		{
			name:    "daily",
			tmplType: TypeDaily,
			jobName:  "nightly-report",
			validate: func(t *testing.T, rec *job.Record) {
				if rec.RepeatAt == "" {
					t.Error("expected a repeat_at time")
				}
			},
		},
		{
			name:    "singleton",
			tmplType: TypeSingleton,
			jobName:  "reindex",
			validate: func(t *testing.T, rec *job.Record) {
				if rec.Type != job.TypeSingle {
					t.Errorf("expected single type, got %s", rec.Type)
				}
				if rec.Unique != "reindex" {
					t.Errorf("expected unique key to default to the job name, got %q", rec.Unique)
				}
			},
		},
		{
			name:    "high-priority",
			tmplType: TypeHighPrio,
			jobName:  "incident-page",
			validate: func(t *testing.T, rec *job.Record) {
				if rec.Priority != job.PriorityHigh {
					t.Errorf("expected high priority, got %d", rec.Priority)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := generator.Generate(tt.tmplType, tt.jobName)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if rec.Name != tt.jobName {
				t.Errorf("expected name %q, got %q", tt.jobName, rec.Name)
			}
			tt.validate(t, rec)
		})
	}
}

func TestGenerator_Generate_UnknownType(t *testing.T) {
	generator := NewGenerator()
	if _, err := generator.Generate(Type("bogus"), "x"); err == nil {
		t.Fatal("expected an error for an unknown template type")
	}
}

func TestGenerator_GenerateJSON(t *testing.T) {
	generator := NewGenerator()
	data, err := generator.GenerateJSON(TypeInterval, "poll-feed")
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	var rec job.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Name != "poll-feed" {
		t.Errorf("unexpected name: %s", rec.Name)
	}
}

func TestGenerator_SupportedTypes(t *testing.T) {
	generator := NewGenerator()
	types := generator.SupportedTypes()
	if len(types) != 5 {
		t.Fatalf("expected 5 supported types, got %d", len(types))
	}
}
