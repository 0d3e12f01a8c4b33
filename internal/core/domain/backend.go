package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type APIType string

const (
	APITypeOpenAI    APIType = "openai"
	APITypeAnthropic APIType = "anthropic"
)

// ParameterConfig controls one request parameter for a backend. When
// AllowOverride is false the configured default always wins; when true the
// default only fills in an absent field.
type ParameterConfig struct {
	Default       interface{} `yaml:"default" json:"default"`
	AllowOverride bool        `yaml:"allow_override" json:"allow_override"`
}

// Backend is an addressable upstream LLM endpoint. Instances are immutable
// once published through the registry; in-flight requests keep using the
// snapshot they were routed with even if the registry is reloaded.
type Backend struct {
	Name              string                     `json:"name"`
	BaseURL           string                     `json:"base_url"`
	APIKey            string                     `json:"-"`
	Timeout           time.Duration              `json:"timeout,omitempty"`
	TargetModel       string                     `json:"target_model,omitempty"`
	Type              APIType                    `json:"api_type"`
	SupportsReasoning bool                       `json:"supports_reasoning,omitempty"`
	HTTP2             bool                       `json:"http2,omitempty"`
	Parameters        map[string]ParameterConfig `json:"parameters,omitempty"`
	Parsers           *ParserConfig              `json:"parsers,omitempty"`
	AllowedKeys       []string                   `json:"allowed_keys,omitempty"`
	RegisteredAt      time.Time                  `json:"registered_at"`
}

// UpstreamModel returns the model name sent to the upstream: the explicit
// target model when configured, otherwise the proxy-facing name with its
// dialect prefix stripped ("openai/gpt-x" -> "gpt-x").
func (b *Backend) UpstreamModel() string {
	if b.TargetModel != "" {
		return b.TargetModel
	}
	return NormaliseModelName(b.Name, b.Type)
}

// NormaliseModelName strips a leading "openai/" or "<api_type>/" prefix from
// a proxy-facing model name.
func NormaliseModelName(name string, apiType APIType) string {
	if after, ok := strings.CutPrefix(name, "openai/"); ok {
		return after
	}
	if apiType != "" {
		if after, ok := strings.CutPrefix(name, string(apiType)+"/"); ok {
			return after
		}
	}
	return name
}

// AllowsKey reports whether the backend is reachable with the given key id.
// An empty list means everyone; the sentinel values "all" and "none" are
// honoured.
func (b *Backend) AllowsKey(keyID string) bool {
	if len(b.AllowedKeys) == 0 {
		return true
	}
	for _, allowed := range b.AllowedKeys {
		switch allowed {
		case "all":
			return true
		case "none":
			return false
		case keyID:
			return true
		}
	}
	return false
}

// Validate checks the fields required before a backend can be registered.
func (b *Backend) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend name is required")
	}
	if b.BaseURL == "" {
		return fmt.Errorf("backend %q: base_url is required", b.Name)
	}
	parsed, err := url.Parse(b.BaseURL)
	if err != nil || !parsed.IsAbs() {
		return fmt.Errorf("backend %q: base_url must be an absolute URL", b.Name)
	}
	switch b.Type {
	case APITypeOpenAI, APITypeAnthropic:
	case "":
		return fmt.Errorf("backend %q: api_type is required", b.Name)
	default:
		return fmt.Errorf("backend %q: unknown api_type %q", b.Name, b.Type)
	}
	return nil
}
