// Package parser implements the response-parser pipeline: an ordered chain
// of transforms applied to chat-completion payloads, either once over a
// buffered JSON body or incrementally over a live SSE stream.
package parser

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResponseParser is one transform in a pipeline. Parsers are stateless and
// shared; per-request streaming state lives in the StreamState they mint.
type ResponseParser interface {
	Name() string
	// ParseBuffered mutates a complete response payload in place and
	// reports whether anything changed.
	ParseBuffered(pctx *domain.ParserContext, payload map[string]interface{}) bool
	// NewStreamState allocates per-request state for a streamed response.
	NewStreamState(pctx *domain.ParserContext) StreamState
}

// StreamState consumes decoded SSE payloads one at a time.
type StreamState interface {
	// ProcessEvent mutates one streamed chunk in place.
	ProcessEvent(payload map[string]interface{}) bool
	// Finalise returns synthesised tail deltas to emit before the stream
	// terminator. Called exactly once.
	Finalise() []TailEvent
}

// TailEvent is a synthesised end-of-stream delta for one choice. The stream
// processor wraps it in a chunk inheriting the response envelope.
type TailEvent struct {
	Delta        map[string]interface{}
	FinishReason string
	ChoiceIndex  int
}

// Pipeline is an ordered parser chain plus the config that scoped it.
type Pipeline struct {
	cfg     *domain.ParserConfig
	parsers []ResponseParser
	log     logger.StyledLogger
}

// Build assembles a pipeline from config. Returns nil when the config is
// absent, disabled or yields no usable parsers. When both parse_tags and
// reasoning_swap are listed, parse_tags must run first; a misconfigured
// order is corrected and logged.
func Build(cfg *domain.ParserConfig, log logger.StyledLogger) *Pipeline {
	if cfg == nil || !cfg.Enabled || len(cfg.Response) == 0 {
		return nil
	}

	names := reorder(cfg.Response, log)

	parsers := make([]ResponseParser, 0, len(names))
	for _, name := range names {
		opts := cfg.OptionsFor(name)
		switch name {
		case domain.ParserParseTags:
			parsers = append(parsers, NewParseTags(opts))
		case domain.ParserReasoningSwap:
			parsers = append(parsers, NewReasoningSwap(opts))
		default:
			log.Warn("Unknown response parser, skipping", "parser", name)
		}
	}

	if len(parsers) == 0 {
		return nil
	}

	return &Pipeline{cfg: cfg, parsers: parsers, log: log}
}

// reorder enforces parse_tags before reasoning_swap, preserving the relative
// order of everything else.
func reorder(names []string, log logger.StyledLogger) []string {
	tagIdx, swapIdx := -1, -1
	for i, name := range names {
		switch name {
		case domain.ParserParseTags:
			tagIdx = i
		case domain.ParserReasoningSwap:
			swapIdx = i
		}
	}

	if tagIdx < 0 || swapIdx < 0 || tagIdx < swapIdx {
		return names
	}

	log.Warn("Response parsers misordered, running parse_tags before reasoning_swap")

	ordered := make([]string, 0, len(names))
	for _, name := range names {
		if name == domain.ParserParseTags {
			continue
		}
		if name == domain.ParserReasoningSwap {
			ordered = append(ordered, domain.ParserParseTags, domain.ParserReasoningSwap)
			continue
		}
		ordered = append(ordered, name)
	}
	return ordered
}

// AppliesTo reports whether the pipeline should run for the request path.
func (p *Pipeline) AppliesTo(path string) bool {
	if p == nil {
		return false
	}
	return p.cfg.AppliesTo(path)
}

// ParserNames returns the chain in execution order, for logging.
func (p *Pipeline) ParserNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.parsers))
	for i, parser := range p.parsers {
		names[i] = parser.Name()
	}
	return names
}

// ParseBuffered runs the chain over a complete JSON response body. Non-object
// bodies and undecodable payloads pass through untouched.
func (p *Pipeline) ParseBuffered(pctx *domain.ParserContext, body []byte) ([]byte, bool) {
	if p == nil || len(body) == 0 {
		return body, false
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return body, false
	}

	changed := false
	for _, parser := range p.parsers {
		if parser.ParseBuffered(pctx, payload) {
			changed = true
		}
	}

	if !changed {
		return body, false
	}

	out, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("Failed to re-encode parsed response, passing through", "error", err)
		return body, false
	}
	return out, true
}

// choices pulls the choices array out of a payload, nil when absent or
// not an array.
func choices(payload map[string]interface{}) []interface{} {
	arr, ok := payload["choices"].([]interface{})
	if !ok {
		return nil
	}
	return arr
}

// choiceIndex resolves a choice's index field, falling back to its position.
func choiceIndex(choice map[string]interface{}, position int) int {
	switch v := choice["index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return position
}

// stringField returns a string field, tolerating absence and null.
func stringField(obj map[string]interface{}, key string) (string, bool) {
	v, ok := obj[key].(string)
	return v, ok
}
