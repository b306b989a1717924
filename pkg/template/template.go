// Package template generates ready-to-save job.Record skeletons for common
// scheduling shapes, the job-scheduler counterpart of the teacher's
// pkg/template process-config generator (same Generator/Type/Generate
// shape, retargeted at job.Record instead of a process spec).
package template

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/agenda/internal/job"
)

// Type names a job template shape.
type Type string

const (
	TypeOnce      Type = "once"      // run once as soon as possible
	TypeInterval  Type = "interval"  // recurring, fixed interval
	TypeDaily     Type = "daily"     // recurring, repeat_at "HH:MM"
	TypeSingleton Type = "singleton" // TypeSingle job: at most one scheduled instance
	TypeHighPrio  Type = "high-priority"
)

// Generator builds a *job.Record skeleton for a named Type. It holds no
// state; NewGenerator exists to mirror the teacher's constructor shape.
type Generator struct{}

// NewGenerator returns a Generator.
func NewGenerator() *Generator { return &Generator{} }

// Generate returns the job.Record skeleton for templateType, named name.
// The record is unsaved: callers pass it to repository.SaveJob or the
// builder API (pkg/agenda) to schedule it.
func (g *Generator) Generate(templateType Type, name string) (*job.Record, error) {
	switch templateType {
	case TypeOnce:
		return g.generateOnce(name), nil
	case TypeInterval:
		return g.generateInterval(name), nil
	case TypeDaily:
		return g.generateDaily(name), nil
	case TypeSingleton:
		return g.generateSingleton(name), nil
	case TypeHighPrio:
		return g.generateHighPriority(name), nil
	default:
		return nil, fmt.Errorf("template: unknown type %q (supported: once, interval, daily, singleton, high-priority)", templateType)
	}
}

// GenerateJSON renders the Generate result as indented JSON, the shape the
// CLI's "agenda template" command writes to stdout or a file.
func (g *Generator) GenerateJSON(templateType Type, name string) ([]byte, error) {
	rec, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("template: marshal: %w", err)
	}
	return out, nil
}

// SupportedTypes lists every Type Generate accepts.
func (g *Generator) SupportedTypes() []string {
	return []string{
		string(TypeOnce),
		string(TypeInterval),
		string(TypeDaily),
		string(TypeSingleton),
		string(TypeHighPrio),
	}
}

func (g *Generator) generateOnce(name string) *job.Record {
	now := time.Now()
	return &job.Record{
		Name:      name,
		Type:      job.TypeNormal,
		Priority:  job.PriorityNormal,
		NextRunAt: &now,
	}
}

func (g *Generator) generateInterval(name string) *job.Record {
	now := time.Now()
	return &job.Record{
		Name:           name,
		Type:           job.TypeNormal,
		Priority:       job.PriorityNormal,
		NextRunAt:      &now,
		RepeatInterval: "@every 1h",
	}
}

func (g *Generator) generateDaily(name string) *job.Record {
	now := time.Now()
	return &job.Record{
		Name:      name,
		Type:      job.TypeNormal,
		Priority:  job.PriorityNormal,
		NextRunAt: &now,
		RepeatAt:  "03:00",
	}
}

func (g *Generator) generateSingleton(name string) *job.Record {
	now := time.Now()
	return &job.Record{
		Name:      name,
		Type:      job.TypeSingle,
		Priority:  job.PriorityNormal,
		NextRunAt: &now,
		Unique:    name,
	}
}

func (g *Generator) generateHighPriority(name string) *job.Record {
	now := time.Now()
	return &job.Record{
		Name:      name,
		Type:      job.TypeNormal,
		Priority:  job.PriorityHigh,
		NextRunAt: &now,
	}
}
