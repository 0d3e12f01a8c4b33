package domain

import "strings"

// Parser names accepted in pipeline configuration
const (
	ParserParseTags     = "parse_tags"
	ParserReasoningSwap = "reasoning_swap"
)

// ReasoningSwap modes
const (
	SwapReasoningToContent = "reasoning_to_content"
	SwapContentToReasoning = "content_to_reasoning"
	SwapAuto               = "auto"
)

// ParserContext is the per-request immutable context carried through a
// response-parser pipeline. Pipelines with path filters only apply when one
// of their configured substrings matches Path.
type ParserContext struct {
	Path        string
	ModelName   string
	BackendName string
	IsStream    bool
}

// ParserConfig describes one response-parser pipeline: which parsers run,
// in what order, on which paths, with what options. A backend may carry its
// own ParserConfig which then replaces the global one for its traffic.
type ParserConfig struct {
	Enabled  bool                              `yaml:"enabled" json:"enabled"`
	Response []string                          `yaml:"response" json:"response"`
	Paths    []string                          `yaml:"paths,omitempty" json:"paths,omitempty"`
	Options  map[string]map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty"`
}

// OptionsFor returns the option map for a named parser, never nil.
func (c *ParserConfig) OptionsFor(name string) map[string]interface{} {
	if c == nil || c.Options == nil {
		return map[string]interface{}{}
	}
	if opts, ok := c.Options[name]; ok && opts != nil {
		return opts
	}
	return map[string]interface{}{}
}

// AppliesTo reports whether the pipeline should run for the given request
// path. An empty Paths list matches everything.
func (c *ParserConfig) AppliesTo(path string) bool {
	if c == nil || !c.Enabled {
		return false
	}
	if len(c.Paths) == 0 {
		return true
	}
	lowered := strings.ToLower(path)
	for _, fragment := range c.Paths {
		if fragment != "" && strings.Contains(lowered, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}
