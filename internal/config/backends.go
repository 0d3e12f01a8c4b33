package config

import (
	"fmt"
	"time"

	"github.com/pasoproxy/paso/internal/core/domain"
)

// ResolveBackends converts the model_list into registry-ready backends and
// the fallback map. Inheritance (extends) is flattened first: a child
// inherits the parent's model_params, parameters and parsers and overrides
// whatever it sets itself. Cycles are rejected.
func (c *Config) ResolveBackends() ([]*domain.Backend, map[string][]string, error) {
	byName := make(map[string]*ModelConfig, len(c.ModelList))
	for i := range c.ModelList {
		byName[c.ModelList[i].ModelName] = &c.ModelList[i]
	}

	backends := make([]*domain.Backend, 0, len(c.ModelList))
	for i := range c.ModelList {
		resolved, err := flattenModel(&c.ModelList[i], byName, nil)
		if err != nil {
			return nil, nil, err
		}
		backend, err := resolved.toBackend()
		if err != nil {
			return nil, nil, err
		}
		backends = append(backends, backend)
	}

	return backends, c.RouterSettings.FallbackMap(), nil
}

// flattenModel applies extends inheritance bottom-up. visiting carries the
// chain walked so far for cycle detection.
func flattenModel(model *ModelConfig, byName map[string]*ModelConfig, visiting []string) (*ModelConfig, error) {
	for _, name := range visiting {
		if name == model.ModelName {
			return nil, fmt.Errorf("model %q: extends cycle through %v", model.ModelName, visiting)
		}
	}
	if model.Extends == "" {
		return model, nil
	}

	parent, ok := byName[model.Extends]
	if !ok {
		return nil, fmt.Errorf("model %q extends unknown model %q", model.ModelName, model.Extends)
	}
	base, err := flattenModel(parent, byName, append(visiting, model.ModelName))
	if err != nil {
		return nil, err
	}

	merged := *model
	merged.ModelParams = mergeParams(base.ModelParams, model.ModelParams)
	if len(base.Parameters) > 0 {
		params := make(map[string]domain.ParameterConfig, len(base.Parameters)+len(model.Parameters))
		for name, p := range base.Parameters {
			params[name] = p
		}
		for name, p := range model.Parameters {
			params[name] = p
		}
		merged.Parameters = params
	}
	if merged.Parsers == nil {
		merged.Parsers = base.Parsers
	}
	if merged.Modules == nil {
		merged.Modules = base.Modules
	}
	if merged.AccessControl == nil {
		merged.AccessControl = base.AccessControl
	}
	return &merged, nil
}

// mergeParams overlays child params on parent params field by field. Boolean
// flags are ORed: there is no way to express "unset" for them in YAML and a
// child opting back out of reasoning support has no known use.
func mergeParams(parent, child ModelParams) ModelParams {
	out := parent
	if child.APIBase != "" {
		out.APIBase = child.APIBase
	}
	if child.APIKey != "" {
		out.APIKey = child.APIKey
	}
	if child.RequestTimeout != 0 {
		out.RequestTimeout = child.RequestTimeout
	}
	if child.Model != "" {
		out.Model = child.Model
	}
	if child.TargetModel != "" {
		out.TargetModel = child.TargetModel
	}
	if child.ForwardModel != "" {
		out.ForwardModel = child.ForwardModel
	}
	if child.APIType != "" {
		out.APIType = child.APIType
	}
	out.SupportsReasoning = parent.SupportsReasoning || child.SupportsReasoning
	out.HTTP2 = parent.HTTP2 || child.HTTP2
	return out
}

func (m *ModelConfig) toBackend() (*domain.Backend, error) {
	apiType := domain.APIType(m.ModelParams.APIType)
	if apiType == "" {
		apiType = domain.APITypeOpenAI
	}

	backend := &domain.Backend{
		Name:              m.ModelName,
		BaseURL:           m.ModelParams.APIBase,
		APIKey:            m.ModelParams.APIKey,
		Timeout:           m.ModelParams.RequestTimeout,
		TargetModel:       m.ModelParams.ResolvedTargetModel(),
		Type:              apiType,
		SupportsReasoning: m.ModelParams.SupportsReasoning,
		HTTP2:             m.ModelParams.HTTP2,
		Parameters:        m.Parameters,
		Parsers:           m.EffectiveParsers().ToDomain(),
		AllowedKeys:       m.AccessControl.KeyList(),
		RegisteredAt:      time.Now(),
	}
	if err := backend.Validate(); err != nil {
		return nil, err
	}
	return backend, nil
}
