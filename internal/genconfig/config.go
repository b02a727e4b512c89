package genconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sakateka/yanet2/internal/pipeline"
)

// ModuleInstanceDoc is one instances[] entry in a modules configuration
// document: a module name, an instance name, and its raw configuration,
// kept as a yaml.Node so each module's ConfigHandler can decode it in
// whatever shape it expects (spec section 6 "Configuration sources").
type ModuleInstanceDoc struct {
	Module   string    `yaml:"module"`
	Instance string    `yaml:"instance"`
	Config   yaml.Node `yaml:"config"`
}

// PipelineStageDoc is one stage within a pipelines[] entry: a reference
// to a module/instance pair already declared under instances[].
type PipelineStageDoc struct {
	Module   string `yaml:"module"`
	Instance string `yaml:"instance"`
}

// PipelineDoc is one pipelines[] entry: a named, ordered stage list
// assigned to a set of devices.
type PipelineDoc struct {
	Name      string             `yaml:"name"`
	Stages    []PipelineStageDoc `yaml:"stages"`
	DeviceIDs []int              `yaml:"device_ids"`
}

// Document is the on-disk shape of a modules configuration file.
type Document struct {
	Instances []ModuleInstanceDoc `yaml:"instances"`
	Pipelines []PipelineDoc       `yaml:"pipelines"`
}

// LoadDocument reads and parses a modules configuration document from path.
func LoadDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genconfig: read %q: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("genconfig: parse %q: %w", path, err)
	}
	return &doc, nil
}

// Resolve converts a Document into the RawInstance/RawPipeline slices
// Builder.Build consumes. Every module's ConfigHandler decodes its raw
// bytes with encoding/json, so each instance's config node is decoded
// to a plain Go value first and re-encoded as JSON rather than passed
// through as YAML.
func (d *Document) Resolve() ([]RawInstance, []RawPipeline, error) {
	raw := make([]RawInstance, 0, len(d.Instances))
	for _, inst := range d.Instances {
		var v any
		if err := inst.Config.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("genconfig: instance %q: decode config: %w", inst.Instance, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("genconfig: instance %q: marshal config: %w", inst.Instance, err)
		}
		raw = append(raw, RawInstance{ModuleName: inst.Module, InstanceName: inst.Instance, Raw: b})
	}

	pipelines := make([]RawPipeline, 0, len(d.Pipelines))
	for _, p := range d.Pipelines {
		refs := make([]pipeline.InstanceRef, 0, len(p.Stages))
		for _, s := range p.Stages {
			refs = append(refs, pipeline.InstanceRef{ModuleName: s.Module, InstanceName: s.Instance})
		}
		pipelines = append(pipelines, RawPipeline{Name: p.Name, Refs: refs, DeviceIDs: p.DeviceIDs})
	}

	return raw, pipelines, nil
}
