package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/agenda/pkg/template"
)

// getTemplatesDirectory returns the templates directory path.
func (c *command) getTemplatesDirectory() string {
	return "templates"
}

// TemplateCreate creates a new job definition template.
func (c *command) TemplateCreate(f TemplateCreateFlags) error {
	templateName := f.Name
	if templateName == "" {
		templateName = f.Type + "-sample"
	}

	outputPath := f.Output
	if outputPath == "" {
		templatesDir := c.getTemplatesDirectory()
		if err := os.MkdirAll(templatesDir, 0o755); err != nil {
			return fmt.Errorf("failed to create templates directory: %w", err)
		}
		outputPath = filepath.Join(templatesDir, templateName+".json")
	}

	if _, err := os.Stat(outputPath); err == nil && !f.Force {
		return fmt.Errorf("template file '%s' already exists (use --force to overwrite)", outputPath)
	}

	generator := template.NewGenerator()
	templateContent, err := generator.GenerateJSON(template.Type(f.Type), templateName)
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}

	if err := os.WriteFile(outputPath, templateContent, 0o644); err != nil {
		return fmt.Errorf("failed to write template file: %w", err)
	}

	fmt.Printf("Template '%s' created: %s\n", templateName, outputPath)
	fmt.Printf("Edit the template and register with: agenda job save --file %s\n", outputPath)
	return nil
}
