package input

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goosewin/promptmatrix/internal/backend"
)

const jsonDoc = `{
  "prompt": "Say {{word}}",
  "system": "You are {{tone}}",
  "variables": {"{{word}}": ["hi", "bye"], "{{tone}}": ["kind"]},
  "localModels": [
    {"path": "models/llama.gguf", "architecture": "llama", "templatePath": "templates/llama.txt"},
    {"path": "models/old.bin", "architecture": "gptj", "templatePath": "", "skip": true}
  ],
  "remoteModels": [
    {"name": "gpt-4o-mini", "apiBaseUrl": "http://localhost:8080/v1"},
    {"name": "gemini-2.0-flash", "provider": "google"}
  ]
}`

const yamlDoc = `prompt: Say {{word}}
system: You are {{tone}}
variables:
  "{{word}}": [hi, bye]
remoteModels:
  - name: gpt-4o-mini
    skip: true
`

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(path, []byte(jsonDoc), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	doc, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Prompt != "Say {{word}}" || doc.System != "You are {{tone}}" {
		t.Fatalf("unexpected text fields: %+v", doc)
	}
	if len(doc.Variables["{{word}}"]) != 2 {
		t.Fatalf("unexpected variables: %v", doc.Variables)
	}
	if !doc.LocalModels[1].Skip || doc.LocalModels[0].TemplatePath != "templates/llama.txt" {
		t.Fatalf("unexpected local models: %+v", doc.LocalModels)
	}
	if doc.RemoteModels[0].APIBaseURL != "http://localhost:8080/v1" || doc.RemoteModels[1].Provider != "google" {
		t.Fatalf("unexpected remote models: %+v", doc.RemoteModels)
	}
	if doc.Active() != 3 {
		t.Fatalf("expected 3 active models, got %d", doc.Active())
	}
}

func TestLoadYAMLFromStdin(t *testing.T) {
	doc, err := Load(StdinPath, strings.NewReader(yamlDoc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Prompt != "Say {{word}}" {
		t.Fatalf("unexpected prompt %q", doc.Prompt)
	}
	if got := doc.Variables["{{word}}"]; len(got) != 2 || got[1] != "bye" {
		t.Fatalf("unexpected variables %v", doc.Variables)
	}
	if len(doc.RemoteModels) != 1 || !doc.RemoteModels[0].Skip {
		t.Fatalf("unexpected remote models %+v", doc.RemoteModels)
	}
	if doc.Active() != 0 {
		t.Fatalf("expected no active models, got %d", doc.Active())
	}
}

func TestLoadJSONFromStdin(t *testing.T) {
	doc, err := Load(StdinPath, strings.NewReader(jsonDoc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.RemoteModels) != 2 {
		t.Fatalf("expected 2 remote models, got %d", len(doc.RemoteModels))
	}
}

func TestModelsOrdersLocalFirst(t *testing.T) {
	doc, err := Parse([]byte(jsonDoc), FormatJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	models := doc.Models()
	kinds := make([]backend.Kind, 0, len(models))
	ids := make([]string, 0, len(models))
	for _, model := range models {
		kinds = append(kinds, model.Kind())
		ids = append(ids, model.ID())
	}
	wantKinds := []backend.Kind{backend.KindLocal, backend.KindLocal, backend.KindRemote, backend.KindRemote}
	for i := range wantKinds {
		if kinds[i] != wantKinds[i] {
			t.Fatalf("unexpected kinds %v", kinds)
		}
	}
	if ids[0] != "models/llama.gguf" || ids[3] != "gemini-2.0-flash" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
		invalid bool
	}{
		{name: "malformed json", file: "bad.json", content: `{"prompt": `, invalid: true},
		{name: "missing prompt", file: "empty.yaml", content: "system: hi\n", invalid: true},
		{name: "remote without name", file: "remote.json", content: `{"prompt":"p","remoteModels":[{"apiBaseUrl":"x"}]}`, invalid: true},
		{name: "local without template", file: "local.json", content: `{"prompt":"p","localModels":[{"path":"m","architecture":"llama"}]}`, invalid: true},
		{name: "empty variable name", file: "vars.json", content: `{"prompt":"p","variables":{"":["a"]}}`, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write input: %v", err)
			}
			_, err := Load(path, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.invalid && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.json"), nil); err == nil || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestLoadAcceptsEmptyPrompt(t *testing.T) {
	for _, tc := range []struct{ file, content string }{
		{file: "empty.json", content: `{"prompt":""}`},
		{file: "empty.yaml", content: "prompt: \"\"\n"},
	} {
		path := filepath.Join(t.TempDir(), tc.file)
		if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		doc, err := Load(path, nil)
		if err != nil {
			t.Fatalf("%s: expected empty prompt to load, got %v", tc.file, err)
		}
		if doc.Prompt != "" {
			t.Fatalf("%s: unexpected prompt %q", tc.file, doc.Prompt)
		}
	}

	if _, err := Parse([]byte(`{"system":"s"}`), FormatJSON); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing prompt error, got %v", err)
	}
}
