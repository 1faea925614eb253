// Package definition loads pipeline definition files: YAML documents that
// declare the task attached to incoming payloads, the generation services,
// the engine DAG (nodes and task handlers) and the stage chain around it.
package definition

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// Definition is the top-level document.
type Definition struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description,omitempty"`
	Task        *TaskDef     `yaml:"task,omitempty"`
	Engine      EngineDef    `yaml:"engine,omitempty"`
	Services    []ServiceDef `yaml:"services,omitempty"`
	Nodes       []NodeDef    `yaml:"nodes,omitempty"`
	Handlers    []HandlerDef `yaml:"handlers,omitempty"`
	Stages      []StageDef   `yaml:"stages,omitempty"`
}

// TaskDef is the task descriptor attached by the deserialize stage.
type TaskDef struct {
	Type string         `yaml:"task_type"`
	Dict map[string]any `yaml:"task_dict"`
}

// EngineDef tunes the engine.
type EngineDef struct {
	ConcurrentStages bool `yaml:"concurrent_stages,omitempty"`
}

// ServiceDef names a generation client: a provider from the registry, a
// model and its generation parameters.
type ServiceDef struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	Params   map[string]any `yaml:"params,omitempty"`
}

// NodeDef declares one engine node. Which fields apply depends on Type.
type NodeDef struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	Inputs []string `yaml:"inputs,omitempty"`

	Keys     []string `yaml:"keys,omitempty"`     // extracter
	Template string   `yaml:"template,omitempty"` // prompt_template
	Format   string   `yaml:"format,omitempty"`   // prompt_template
	Service  string   `yaml:"service,omitempty"`  // llm_generate
}

// HandlerDef declares one task handler.
type HandlerDef struct {
	Type          string   `yaml:"type,omitempty"`
	Inputs        []string `yaml:"inputs"`
	TaskTypes     []string `yaml:"task_types,omitempty"`
	OutputColumns []string `yaml:"output_columns,omitempty"`
}

// StageDef declares one pipeline stage. Which fields apply depends on Type.
type StageDef struct {
	Type string `yaml:"type"`
	Name string `yaml:"name,omitempty"`

	BatchSize int `yaml:"batch_size,omitempty"` // deserialize

	Features      []string `yaml:"features,omitempty"`       // preprocess_fil
	FeatureLength int      `yaml:"feature_length,omitempty"` // preprocess_fil

	Labels    map[int]string `yaml:"labels,omitempty"`    // add_scores, add_classifications
	Threshold *float64       `yaml:"threshold,omitempty"` // add_classifications
	Prefix    string         `yaml:"prefix,omitempty"`
	Only      []string       `yaml:"only,omitempty"`

	Include      []string `yaml:"include,omitempty"` // serialize
	Exclude      []string `yaml:"exclude,omitempty"`
	FixedColumns bool     `yaml:"fixed_columns,omitempty"`
}

// Node, handler and stage types understood by Build.
const (
	NodeExtracter      = "extracter"
	NodePromptTemplate = "prompt_template"
	NodeLLMGenerate    = "llm_generate"

	HandlerSimple = "simple"

	StageDeserialize        = "deserialize"
	StageEngine             = "engine"
	StagePreprocessFIL      = "preprocess_fil"
	StageAddScores          = "add_scores"
	StageAddClassifications = "add_classifications"
	StageSerialize          = "serialize"
)

// Load reads and parses a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(data)
}

// Parse decodes a definition. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, domain.Configf("parse definition YAML: %v", err)
	}
	return &def, nil
}

// Marshal serializes the definition back to YAML.
func (def *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(def)
}

// Validate checks the document for structural errors that need no
// services: duplicate or missing names, unknown types, dangling service
// references and a misplaced engine stage.
func (def *Definition) Validate() error {
	if def.Name == "" {
		return domain.Configf("definition name is required")
	}
	if def.Task != nil {
		if _, err := def.Task.Task().Params(); err != nil {
			return domain.Configf("task: %v", err)
		}
	}

	services := make(map[string]bool, len(def.Services))
	for i, s := range def.Services {
		if s.Name == "" || s.Provider == "" || s.Model == "" {
			return domain.Configf("service %d: name, provider and model are required", i)
		}
		if services[s.Name] {
			return domain.Configf("duplicate service %q", s.Name)
		}
		services[s.Name] = true
	}

	nodes := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if nodes[n.Name] {
			return domain.Configf("duplicate node %q", n.Name)
		}
		nodes[n.Name] = true
		switch n.Type {
		case NodeExtracter:
		case NodePromptTemplate:
			if n.Template == "" {
				return domain.Configf("node %q: template is required", n.Name)
			}
		case NodeLLMGenerate:
			if _, err := def.serviceFor(n); err != nil {
				return err
			}
		default:
			return domain.Configf("node %q: unknown type %q", n.Name, n.Type)
		}
	}

	for i, h := range def.Handlers {
		if h.Type != "" && h.Type != HandlerSimple {
			return domain.Configf("handler %d: unknown type %q", i, h.Type)
		}
	}

	engines := 0
	for i, s := range def.Stages {
		switch s.Type {
		case StageEngine:
			engines++
		case StageDeserialize, StagePreprocessFIL, StageAddScores, StageAddClassifications, StageSerialize:
		default:
			return domain.Configf("stage %d: unknown type %q", i, s.Type)
		}
	}
	if engines > 1 {
		return domain.Configf("engine stage declared %d times", engines)
	}
	if len(def.Nodes) > 0 && len(def.Handlers) == 0 {
		return domain.Configf("nodes declared without a task handler")
	}
	return nil
}

// serviceFor resolves the service of an llm_generate node. With a single
// service the reference may be omitted.
func (def *Definition) serviceFor(n NodeDef) (ServiceDef, error) {
	if n.Service == "" {
		if len(def.Services) == 1 {
			return def.Services[0], nil
		}
		return ServiceDef{}, domain.Configf("node %q: service is required with %d services declared", n.Name, len(def.Services))
	}
	for _, s := range def.Services {
		if s.Name == n.Service {
			return s, nil
		}
	}
	return ServiceDef{}, domain.Configf("node %q: unknown service %q", n.Name, n.Service)
}

// Task converts the definition into a descriptor.
func (t *TaskDef) Task() domain.Task {
	return domain.NewTask(t.Type, t.Dict)
}
