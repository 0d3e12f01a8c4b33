package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasoproxy/paso/internal/core/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 1, cfg.RouterSettings.NumRetries)
	assert.Equal(t, DefaultQueueTimeout, cfg.ProxySettings.QueueTimeout)
	assert.True(t, cfg.AppKeys.AllowUnauthenticated)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "paso.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
server:
  host: 0.0.0.0
  port: 9000
model_list:
  - model_name: alpha
    model_params:
      api_base: http://localhost:8000/v1
      api_key: sk-alpha
      api_type: openai
      request_timeout: 90s
    parameters:
      tool_choice:
        default: none
        allow_override: false
  - model_name: alpha-thinking
    extends: alpha
    model_params:
      supports_reasoning: true
      target_model: alpha-r1
  - model_name: claude
    model_params:
      api_base: http://localhost:8100
      api_key: sk-claude
      api_type: anthropic
      http2: true
router_settings:
  num_retries: 2
  fallbacks:
    - alpha: [claude]
proxy_settings:
  parsers:
    enabled: true
    response: [parse_tags, reasoning_swap]
    paths: [chat/completions]
    reasoning_swap:
      mode: reasoning_to_content
app_keys:
  enabled: true
  header_name: X-Paso-Key
  allow_unauthenticated: false
  keys:
    - key_id: team-a
      secret: s3cret
      enabled: true
      concurrency: 4
      priority: 10
`

func loadFrom(t *testing.T, path string) *Config {
	t.Helper()
	t.Setenv("PASO_CONFIG_FILE", path)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_FullSnapshot(t *testing.T) {
	cfg := loadFrom(t, writeConfigFile(t, sampleConfig))

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.GetAddress())
	require.Len(t, cfg.ModelList, 3)

	alpha := cfg.ModelList[0]
	assert.Equal(t, "alpha", alpha.ModelName)
	assert.Equal(t, 90*time.Second, alpha.ModelParams.RequestTimeout)
	require.Contains(t, alpha.Parameters, "tool_choice")
	assert.False(t, alpha.Parameters["tool_choice"].AllowOverride)

	assert.Equal(t, 2, cfg.RouterSettings.NumRetries)
	assert.Equal(t, map[string][]string{"alpha": {"claude"}}, cfg.RouterSettings.FallbackMap())

	require.NotNil(t, cfg.ProxySettings.Parsers)
	assert.Equal(t, []string{"parse_tags", "reasoning_swap"}, cfg.ProxySettings.Parsers.Response)

	pcfg := cfg.ProxySettings.Parsers.ToDomain()
	require.NotNil(t, pcfg)
	assert.Equal(t, "reasoning_to_content", pcfg.OptionsFor("reasoning_swap")["mode"])
	assert.Empty(t, pcfg.OptionsFor("parse_tags"))

	assert.True(t, cfg.AppKeys.Enabled)
	assert.Equal(t, "X-Paso-Key", cfg.AppKeys.HeaderName)
	require.Len(t, cfg.AppKeys.Keys, 1)
	assert.Equal(t, 4, cfg.AppKeys.Keys[0].Concurrency)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PASO_CONFIG_FILE", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
}

func TestResolveBackends_InheritanceAndConversion(t *testing.T) {
	cfg := loadFrom(t, writeConfigFile(t, sampleConfig))

	backends, fallbacks, err := cfg.ResolveBackends()
	require.NoError(t, err)
	require.Len(t, backends, 3)

	byName := make(map[string]*domain.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}

	child := byName["alpha-thinking"]
	require.NotNil(t, child)
	assert.Equal(t, "http://localhost:8000/v1", child.BaseURL, "child inherits api_base")
	assert.Equal(t, "sk-alpha", child.APIKey)
	assert.Equal(t, "alpha-r1", child.TargetModel)
	assert.True(t, child.SupportsReasoning)
	require.Contains(t, child.Parameters, "tool_choice", "child inherits parameters")

	claude := byName["claude"]
	require.NotNil(t, claude)
	assert.Equal(t, domain.APITypeAnthropic, claude.Type)
	assert.True(t, claude.HTTP2)

	assert.Equal(t, []string{"claude"}, fallbacks["alpha"])
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate model name", func(c *Config) {
			c.ModelList = append(c.ModelList, c.ModelList[0])
		}},
		{"unknown extends target", func(c *Config) {
			c.ModelList[1].Extends = "missing"
		}},
		{"missing api_base", func(c *Config) {
			c.ModelList[0].ModelParams.APIBase = ""
		}},
		{"relative api_base", func(c *Config) {
			c.ModelList[0].ModelParams.APIBase = "/v1"
		}},
		{"unknown api_type", func(c *Config) {
			c.ModelList[0].ModelParams.APIType = "gemini"
		}},
		{"duplicate key id", func(c *Config) {
			c.AppKeys.Keys = append(c.AppKeys.Keys, c.AppKeys.Keys[0])
		}},
		{"enabled key without secret", func(c *Config) {
			c.AppKeys.Keys[0].Secret = ""
		}},
		{"port out of range", func(c *Config) {
			c.Server.Port = 0
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadFrom(t, writeConfigFile(t, sampleConfig))
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveBackends_ExtendsCycle(t *testing.T) {
	cfg := loadFrom(t, writeConfigFile(t, sampleConfig))
	cfg.ModelList[0].Extends = "alpha-thinking" // alpha <-> alpha-thinking

	_, _, err := cfg.ResolveBackends()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestAccessControl_KeyList(t *testing.T) {
	assert.Nil(t, (*AccessControl)(nil).KeyList())
	assert.Equal(t, []string{"all"}, (&AccessControl{AllowedKeys: "all"}).KeyList())
	assert.Equal(t, []string{"a", "b"},
		(&AccessControl{AllowedKeys: []interface{}{"a", "b"}}).KeyList())
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	reloaded := make(chan *Config, 1)
	Watch(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}, func(err error) {
		t.Logf("reload error: %v", err)
	})

	updated := sampleConfig + "\nengineering:\n  show_nerdstats: true\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-reloaded:
		assert.True(t, cfg.Engineering.ShowNerdStats)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestResolveBackends_ModulesUpstreamAlias(t *testing.T) {
	path := writeConfigFile(t, `
model_list:
  - model_name: tagged
    model_params:
      api_base: http://localhost:8000/v1
    modules:
      upstream:
        enabled: true
        response: [parse_tags]
        parse_tags:
          tool_format: k2
`)
	cfg := loadFrom(t, path)

	backends, _, err := cfg.ResolveBackends()
	require.NoError(t, err)
	require.Len(t, backends, 1)

	parsers := backends[0].Parsers
	require.NotNil(t, parsers, "modules.upstream supplies the parser pipeline")
	assert.True(t, parsers.Enabled)
	assert.Equal(t, []string{"parse_tags"}, parsers.Response)
	assert.Equal(t, "k2", parsers.OptionsFor("parse_tags")["tool_format"])
}
