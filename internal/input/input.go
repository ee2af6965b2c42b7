// Package input reads the run document: the prompt, its variables, and the
// model configurations to evaluate it against.
package input

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goosewin/promptmatrix/internal/backend"
)

// StdinPath selects standard input as the document source.
const StdinPath = "-"

var ErrInvalidInput = errors.New("invalid input")

type Document struct {
	Prompt       string                `json:"prompt" yaml:"prompt"`
	System       string                `json:"system" yaml:"system"`
	Variables    map[string][]string   `json:"variables" yaml:"variables"`
	LocalModels  []backend.LocalModel  `json:"localModels" yaml:"localModels"`
	RemoteModels []backend.RemoteModel `json:"remoteModels" yaml:"remoteModels"`
}

// Load reads a document from path, or from stdin when path is "-".
func Load(path string, stdin io.Reader) (Document, error) {
	var (
		data []byte
		err  error
	)
	if path == StdinPath {
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return Document{}, fmt.Errorf("reading input: %w", err)
	}

	doc, err := Parse(data, formatFor(path, data))
	if err != nil {
		return Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatFor(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes a document without validating it. The prompt key must be
// present; its value may be empty.
func Parse(data []byte, format Format) (Document, error) {
	var (
		doc      Document
		presence struct {
			Prompt *string `json:"prompt" yaml:"prompt"`
		}
	)
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("%w: deserializing json: %w", ErrInvalidInput, err)
		}
		_ = json.Unmarshal(data, &presence)
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("%w: deserializing yaml: %w", ErrInvalidInput, err)
		}
		_ = yaml.Unmarshal(data, &presence)
	default:
		return Document{}, fmt.Errorf("%w: unknown format %q", ErrInvalidInput, format)
	}
	if presence.Prompt == nil {
		return Document{}, fmt.Errorf("%w: missing field prompt", ErrInvalidInput)
	}
	return doc, nil
}

// Validate checks the fields every run depends on. Architecture tags and
// templates are checked later by the local strategy.
func (d Document) Validate() error {
	for name := range d.Variables {
		if name == "" {
			return fmt.Errorf("%w: variable name is empty", ErrInvalidInput)
		}
	}
	for i, model := range d.LocalModels {
		if strings.TrimSpace(model.Path) == "" {
			return fmt.Errorf("%w: localModels[%d]: path is required", ErrInvalidInput, i)
		}
		if !model.Skip && strings.TrimSpace(model.TemplatePath) == "" {
			return fmt.Errorf("%w: localModels[%d]: templatePath is required", ErrInvalidInput, i)
		}
	}
	for i, model := range d.RemoteModels {
		if strings.TrimSpace(model.Name) == "" {
			return fmt.Errorf("%w: remoteModels[%d]: name is required", ErrInvalidInput, i)
		}
	}
	return nil
}

// Models returns every configuration, local first, each kind in input order.
func (d Document) Models() []backend.ModelConfig {
	models := make([]backend.ModelConfig, 0, len(d.LocalModels)+len(d.RemoteModels))
	for _, model := range d.LocalModels {
		models = append(models, model)
	}
	for _, model := range d.RemoteModels {
		models = append(models, model)
	}
	return models
}

// Active counts configurations that are not skipped.
func (d Document) Active() int {
	active := 0
	for _, model := range d.Models() {
		if !model.Skipped() {
			active++
		}
	}
	return active
}
