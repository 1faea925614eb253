package definition

import (
	"github.com/tutu-network/tutuflow/internal/app/engine"
	"github.com/tutu-network/tutuflow/internal/app/pipeline"
	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/llm"
)

// DefaultBatchSize is the deserialize batch size when none is given.
const DefaultBatchSize = 256

// Built is a compiled definition, ready to be wired between a source and a
// sink.
type Built struct {
	Name   string
	Task   domain.Task // zero when the definition declares none
	Engine *engine.Engine
	Stages []pipeline.Stage
}

// Build validates def and compiles it. Generation clients come from reg.
// Without declared stages the chain is the engine alone.
func Build(def *Definition, reg *llm.Registry, opts ...engine.Option) (*Built, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	b := &Built{Name: def.Name}
	if def.Task != nil {
		b.Task = def.Task.Task()
	}

	if def.Engine.ConcurrentStages {
		opts = append(opts, engine.WithConcurrentStages())
	}
	e, err := buildEngine(def, reg, opts)
	if err != nil {
		return nil, err
	}
	b.Engine = e

	stages := def.Stages
	if len(stages) == 0 {
		stages = []StageDef{{Type: StageEngine}}
	}
	for _, sd := range stages {
		st, err := buildStage(sd, b)
		if err != nil {
			return nil, err
		}
		b.Stages = append(b.Stages, st)
	}
	return b, nil
}

func buildEngine(def *Definition, reg *llm.Registry, opts []engine.Option) (*engine.Engine, error) {
	e := engine.New(opts...)
	clients := make(map[string]llm.Client)

	for _, nd := range def.Nodes {
		var node engine.Node
		switch nd.Type {
		case NodeExtracter:
			if len(nd.Keys) > 0 {
				node = engine.NewManualExtracterNode(nd.Keys...)
			} else {
				node = engine.NewExtracterNode()
			}
		case NodePromptTemplate:
			tmpl, err := engine.NewPromptTemplateNode(nd.Template, engine.TemplateFormat(nd.Format))
			if err != nil {
				return nil, domain.Configf("node %q: %v", nd.Name, err)
			}
			node = tmpl
		case NodeLLMGenerate:
			sd, err := def.serviceFor(nd)
			if err != nil {
				return nil, err
			}
			client, ok := clients[sd.Name]
			if !ok {
				if reg == nil {
					return nil, domain.Configf("node %q: no service registry", nd.Name)
				}
				client, err = reg.GetClient(sd.Provider, sd.Model, sd.Params)
				if err != nil {
					return nil, domain.Configf("service %q: %v", sd.Name, err)
				}
				clients[sd.Name] = client
			}
			node = engine.NewLLMGenerateNode(client)
		}
		if err := e.AddNode(nd.Name, nd.Inputs, node); err != nil {
			return nil, err
		}
	}

	for _, hd := range def.Handlers {
		h := engine.NewSimpleTaskHandler(hd.OutputColumns...)
		if err := e.AddTaskHandler(hd.Inputs, h, hd.TaskTypes...); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func buildStage(sd StageDef, b *Built) (pipeline.Stage, error) {
	switch sd.Type {
	case StageDeserialize:
		size := sd.BatchSize
		if size == 0 {
			size = DefaultBatchSize
		}
		return pipeline.NewDeserializeStage(b.Task, size)
	case StageEngine:
		return pipeline.NewEngineStage(sd.Name, b.Engine), nil
	case StagePreprocessFIL:
		length := sd.FeatureLength
		if length == 0 {
			length = len(sd.Features)
		}
		return pipeline.NewPreprocessFILStage(sd.Features, length)
	case StageAddScores:
		return pipeline.NewAddScoresStage(sd.Labels, sd.Prefix, sd.Only...)
	case StageAddClassifications:
		threshold := 0.5
		if sd.Threshold != nil {
			threshold = *sd.Threshold
		}
		return pipeline.NewAddClassificationsStage(sd.Labels, threshold, sd.Prefix, sd.Only...)
	case StageSerialize:
		return pipeline.NewSerializeStage(sd.Include, sd.Exclude, sd.FixedColumns)
	default:
		return nil, domain.Configf("unknown stage type %q", sd.Type)
	}
}
