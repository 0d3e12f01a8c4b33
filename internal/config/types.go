package config

import (
	"fmt"
	"time"

	"github.com/pasoproxy/paso/internal/core/domain"
)

// Config is the full application configuration, loaded once at startup and
// re-read on file change. The backend registry and the limiter consume
// snapshots derived from it; they never hold a reference to this struct.
type Config struct {
	Filename       string            `yaml:"-"`
	Server         ServerConfig      `yaml:"server"`
	Logging        LoggingConfig     `yaml:"logging"`
	ModelList      []ModelConfig     `yaml:"model_list"`
	RouterSettings RouterSettings    `yaml:"router_settings"`
	ProxySettings  ProxySettings     `yaml:"proxy_settings"`
	AppKeys        AppKeysConfig     `yaml:"app_keys"`
	Engineering    EngineeringConfig `yaml:"engineering"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// No WriteTimeout: SSE relays hold the response open for minutes.
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	RequestLogging bool                `yaml:"request_logging"`
	RequestLimits  ServerRequestLimits `yaml:"request_limits"`
	RateLimits     ServerRateLimits    `yaml:"rate_limits"`

	// Bearer token guarding /admin/* and /internal/logs. Empty disables
	// the admin surface entirely.
	AdminToken string `yaml:"admin_token"`
}

// GetAddress returns the server address in host:port format.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServerRequestLimits caps inbound request sizes. MaxBodySize accepts
// go-units strings ("10MB") or raw byte counts.
type ServerRequestLimits struct {
	MaxBodySize string `yaml:"max_body_size"`
}

// ServerRateLimits configures the per-client token buckets applied before
// authentication.
type ServerRateLimits struct {
	Enabled           bool     `yaml:"enabled"`
	PerClientRPM      int      `yaml:"per_client_rpm"`
	BurstSize         int      `yaml:"burst_size"`
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers"`
	TrustedCIDRs      []string `yaml:"trusted_cidrs"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	Dir        string `yaml:"dir"`
	FileOutput bool   `yaml:"file_output"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

// ModelConfig is one model_list entry: a proxy-facing model name bound to an
// upstream plus its overrides.
type ModelConfig struct {
	ModelName     string                            `yaml:"model_name"`
	ModelParams   ModelParams                       `yaml:"model_params"`
	Parameters    map[string]domain.ParameterConfig `yaml:"parameters"`
	Parsers       *ParsersSettings                  `yaml:"parsers"`
	Modules       *ModulesSettings                  `yaml:"modules"`
	AccessControl *AccessControl                    `yaml:"access_control"`
	Extends       string                            `yaml:"extends"`
}

// ModulesSettings is an accepted alternate spelling for per-model pipeline
// config: modules.upstream carries the same shape as parsers. The
// downstream block is reserved for request-side modules and currently
// ignored.
type ModulesSettings struct {
	Upstream   *ParsersSettings       `yaml:"upstream"`
	Downstream map[string]interface{} `yaml:"downstream"`
}

// EffectiveParsers returns the per-model parser settings, honouring the
// modules.upstream alias when the parsers block is absent.
func (m *ModelConfig) EffectiveParsers() *ParsersSettings {
	if m.Parsers != nil {
		return m.Parsers
	}
	if m.Modules != nil {
		return m.Modules.Upstream
	}
	return nil
}

// ModelParams addresses the upstream. Model, TargetModel and ForwardModel
// are accepted aliases for the upstream model name; the first one set wins.
type ModelParams struct {
	APIBase           string        `yaml:"api_base"`
	APIKey            string        `yaml:"api_key"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	Model             string        `yaml:"model"`
	TargetModel       string        `yaml:"target_model"`
	ForwardModel      string        `yaml:"forward_model"`
	APIType           string        `yaml:"api_type"`
	SupportsReasoning bool          `yaml:"supports_reasoning"`
	HTTP2             bool          `yaml:"http2"`
}

// ResolvedTargetModel collapses the three accepted aliases.
func (p *ModelParams) ResolvedTargetModel() string {
	for _, name := range []string{p.TargetModel, p.ForwardModel, p.Model} {
		if name != "" {
			return name
		}
	}
	return ""
}

// AccessControl restricts a backend to specific app keys. AllowedKeys is
// "all", "none" or a list of key ids.
type AccessControl struct {
	AllowedKeys interface{} `yaml:"allowed_keys"`
}

// KeyList normalises AllowedKeys to a string slice ("all"/"none" become
// one-element lists the domain layer understands).
func (a *AccessControl) KeyList() []string {
	if a == nil || a.AllowedKeys == nil {
		return nil
	}
	switch v := a.AllowedKeys.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		keys := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}

// RouterSettings tunes the retry/fallback engine.
type RouterSettings struct {
	NumRetries int                   `yaml:"num_retries"`
	Fallbacks  []map[string][]string `yaml:"fallbacks"`
}

// FallbackMap flattens the list-of-single-entry-maps YAML shape into one
// primary -> fallbacks map. Later entries for the same primary win.
func (r *RouterSettings) FallbackMap() map[string][]string {
	if len(r.Fallbacks) == 0 {
		return nil
	}
	out := make(map[string][]string, len(r.Fallbacks))
	for _, entry := range r.Fallbacks {
		for primary, fallbacks := range entry {
			out[primary] = append([]string(nil), fallbacks...)
		}
	}
	return out
}

// ProxySettings is proxy-wide behaviour outside the per-model records.
type ProxySettings struct {
	Parsers         *ParsersSettings `yaml:"parsers"`
	EnableResponses bool             `yaml:"enable_responses"`
	QueueTimeout    time.Duration    `yaml:"queue_timeout"`
	StreamPeekBytes int              `yaml:"stream_peek_bytes"`
}

// ParsersSettings is the wire shape of a parser pipeline config: the known
// fields plus one options block per parser name at the same nesting level,
// captured via the remainder map.
type ParsersSettings struct {
	Enabled  bool                   `yaml:"enabled"`
	Response []string               `yaml:"response"`
	Paths    []string               `yaml:"paths"`
	Options  map[string]interface{} `yaml:",remain"`
}

// ToDomain converts the wire shape to the domain ParserConfig.
func (p *ParsersSettings) ToDomain() *domain.ParserConfig {
	if p == nil {
		return nil
	}
	cfg := &domain.ParserConfig{
		Enabled:  p.Enabled,
		Response: append([]string(nil), p.Response...),
		Paths:    append([]string(nil), p.Paths...),
	}
	if len(p.Options) > 0 {
		cfg.Options = make(map[string]map[string]interface{}, len(p.Options))
		for name, raw := range p.Options {
			if opts, ok := toStringMap(raw); ok {
				cfg.Options[name] = opts
			}
		}
	}
	return cfg
}

func toStringMap(raw interface{}) (map[string]interface{}, bool) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if s, ok := key.(string); ok {
				out[s] = value
			}
		}
		return out, true
	}
	return nil, false
}

// AppKeysConfig drives the key validator.
type AppKeysConfig struct {
	Enabled              bool         `yaml:"enabled"`
	HeaderName           string       `yaml:"header_name"`
	AllowUnauthenticated bool         `yaml:"allow_unauthenticated"`
	Keys                 []AppKey     `yaml:"keys"`
	Defaults             *KeyDefaults `yaml:"defaults"`
	Unauthenticated      *KeyDefaults `yaml:"unauthenticated"`
}

// AppKey is one issued key.
type AppKey struct {
	KeyID         string   `yaml:"key_id"`
	Secret        string   `yaml:"secret"`
	Enabled       bool     `yaml:"enabled"`
	Concurrency   int      `yaml:"concurrency"`
	Priority      int      `yaml:"priority"`
	AllowedModels []string `yaml:"allowed_models"`
}

// KeyDefaults fills unset per-key limits; also used for the shared
// unauthenticated identity.
type KeyDefaults struct {
	Concurrency int `yaml:"concurrency"`
	Priority    int `yaml:"priority"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowNerdStats   bool   `yaml:"show_nerdstats"`
	EnableProfiler  bool   `yaml:"enable_profiler"`
	ProfilerAddress string `yaml:"profiler_address"`
}
