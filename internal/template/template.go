// Package template implements the prompt-template collaborator: named,
// YAML-defined templates with Go text/template bodies and per-template
// model knobs, rendered into the upstream adapter's GenerateParams.
package template

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/vidlesson/lessonbatch/internal/upstream"
)

// Definition is one template's on-disk shape: a prompt body plus the model
// knobs to invoke it with, and the list of parameter names the prompt body
// references (enforced at render time so a missing parameter fails fast
// instead of silently rendering "<no value>").
type Definition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Model       string   `yaml:"model"`
	Temperature float32  `yaml:"temperature"`
	MaxTokens   int32    `yaml:"max_tokens"`
	Parameters  []string `yaml:"parameters"`
	Prompt      string   `yaml:"prompt"`
}

// file is the on-disk shape a single YAML file may take: either one
// template at the top level, or a named map of several.
type file struct {
	Templates  map[string]*Definition `yaml:"templates"`
	Definition `yaml:",inline"`
}

// Store is an in-memory, name-keyed collection of template Definitions
// loaded once from a directory of YAML files.
type Store struct {
	mu            sync.RWMutex
	templates     map[string]*Definition
	defaultModel  string
	defaultTemp   float32
	defaultTokens int32
}

// NewStore constructs an empty Store with fallback model defaults used
// whenever a template doesn't set its own.
func NewStore(defaultModel string, defaultTemp float32, defaultTokens int32) *Store {
	return &Store{
		templates:     make(map[string]*Definition),
		defaultModel:  defaultModel,
		defaultTemp:   defaultTemp,
		defaultTokens: defaultTokens,
	}
}

// LoadDir reads every *.yaml file in dir, registering each template it
// finds. A file with a top-level "templates" map contributes all of them;
// otherwise the file itself is treated as a single template named after
// its "name" field or, failing that, its filename stem.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("template: read dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".yaml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("template: read %s: %w", e.Name(), err)
		}

		var f file
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("template: parse %s: %w", e.Name(), err)
		}

		if len(f.Templates) > 0 {
			for name, def := range f.Templates {
				def.Name = name
				s.templates[name] = def
			}
			continue
		}

		name := f.Name
		if name == "" {
			name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		def := f.Definition
		def.Name = name
		s.templates[name] = &def
	}

	return nil
}

// Register adds or overwrites a single template definition, for tests and
// for templates synthesized rather than loaded from disk.
func (s *Store) Register(def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[def.Name] = &def
}

func (s *Store) lookup(name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("template: %q not found", name)
	}
	return def, nil
}

// Render implements batch.PromptRenderer: look up templateName, verify
// every declared parameter is present, execute its Go text/template body,
// and return the model knobs (filled in from the store's defaults where
// the template doesn't override them) alongside the rendered prompt.
func (s *Store) Render(_ context.Context, templateName string, params map[string]any) (upstream.GenerateParams, error) {
	def, err := s.lookup(templateName)
	if err != nil {
		return upstream.GenerateParams{}, err
	}

	var missing []string
	for _, p := range def.Parameters {
		if _, ok := params[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return upstream.GenerateParams{}, fmt.Errorf("template: %q missing parameters: %v", templateName, missing)
	}

	tpl, err := template.New(templateName).Parse(def.Prompt)
	if err != nil {
		return upstream.GenerateParams{}, fmt.Errorf("template: parse %q: %w", templateName, err)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, params); err != nil {
		return upstream.GenerateParams{}, fmt.Errorf("template: render %q: %w", templateName, err)
	}

	model := def.Model
	if model == "" {
		model = s.defaultModel
	}
	temp := def.Temperature
	if temp == 0 {
		temp = s.defaultTemp
	}
	maxTokens := def.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.defaultTokens
	}

	return upstream.GenerateParams{Model: model, Prompt: buf.String(), Temperature: temp, MaxTokens: maxTokens}, nil
}
