package parser

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pasoproxy/paso/internal/core/domain"
)

// ParseTags extracts <think> blocks and tool-call markup embedded in raw
// assistant content, surfacing them as reasoning_content and OpenAI-shaped
// tool_calls. Options:
//
//	tool_format:   "default" (<tool_call> tags) or "k2" (marker sections)
//	extract_think: extract <think> blocks, default true
type ParseTags struct {
	scanCfg ScannerConfig
}

func NewParseTags(opts map[string]interface{}) *ParseTags {
	cfg := ScannerConfig{Think: true, Tools: true}

	if format, ok := opts["tool_format"].(string); ok && strings.EqualFold(format, "k2") {
		cfg.Variant = ToolVariantK2
	}
	if extract, ok := opts["extract_think"].(bool); ok {
		cfg.Think = extract
	}

	return &ParseTags{scanCfg: cfg}
}

func (p *ParseTags) Name() string {
	return domain.ParserParseTags
}

// ParseBuffered runs a one-shot extraction per assistant choice. Existing
// reasoning_content is never overwritten; extracted tool calls are appended
// after any the upstream already produced. An upstream finish_reason of stop
// (or none) is promoted to tool_calls only when calls were actually parsed.
func (p *ParseTags) ParseBuffered(pctx *domain.ParserContext, payload map[string]interface{}) bool {
	changed := false

	for _, entry := range choices(payload) {
		choice, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]interface{})
		if !ok {
			continue
		}
		if role, ok := stringField(message, "role"); ok && role != "assistant" {
			continue
		}
		content, ok := stringField(message, "content")
		if !ok || content == "" {
			continue
		}

		upstreamReasoning, _ := stringField(message, "reasoning_content")

		cfg := p.scanCfg
		if upstreamReasoning != "" {
			cfg.Think = false
		}

		scanner := NewTagScanner(cfg)
		clean, reasoning, calls := scanner.Feed(content)
		clean += scanner.Flush()

		if reasoning == "" && len(calls) == 0 && clean == content {
			continue
		}

		if clean == "" {
			message["content"] = nil
		} else {
			message["content"] = clean
		}
		if reasoning != "" && upstreamReasoning == "" {
			message["reasoning_content"] = reasoning
		}
		if len(calls) > 0 {
			existing, _ := message["tool_calls"].([]interface{})
			for _, call := range calls {
				existing = append(existing, openAIToolCall(call, len(existing)))
			}
			message["tool_calls"] = existing

			if reason, ok := stringField(choice, "finish_reason"); !ok || reason == "" || reason == "stop" {
				choice["finish_reason"] = "tool_calls"
			}
		}

		changed = true
	}

	return changed
}

func (p *ParseTags) NewStreamState(pctx *domain.ParserContext) StreamState {
	return &parseTagsStream{
		scanCfg:    p.scanCfg,
		scanners:   make(map[int]*TagScanner),
		toolCounts: make(map[int]int),
		sawTool:    make(map[int]bool),
		finishSeen: make(map[int]bool),
	}
}

// parseTagsStream holds one scanner per choice index plus the bookkeeping
// needed to promote finish reasons safely.
type parseTagsStream struct {
	scanCfg    ScannerConfig
	scanners   map[int]*TagScanner
	toolCounts map[int]int
	sawTool    map[int]bool
	finishSeen map[int]bool
}

func (s *parseTagsStream) scanner(idx int) *TagScanner {
	sc, ok := s.scanners[idx]
	if !ok {
		sc = NewTagScanner(s.scanCfg)
		s.scanners[idx] = sc
	}
	return sc
}

func (s *parseTagsStream) ProcessEvent(payload map[string]interface{}) bool {
	changed := false

	for pos, entry := range choices(payload) {
		choice, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		idx := choiceIndex(choice, pos)

		if delta, ok := choice["delta"].(map[string]interface{}); ok {
			if content, ok := stringField(delta, "content"); ok && content != "" {
				emitted, reasoning, calls := s.scanner(idx).Feed(content)

				if emitted != content {
					delta["content"] = emitted
					changed = true
				}
				if reasoning != "" {
					appendStringField(delta, "reasoning_content", reasoning)
					changed = true
				}
				if len(calls) > 0 {
					s.appendToolCalls(delta, idx, calls)
					changed = true
				}
			}
		}

		// promote stop only when this choice actually produced tool calls
		if reason, ok := stringField(choice, "finish_reason"); ok && reason != "" {
			s.finishSeen[idx] = true
			if reason == "stop" && s.sawTool[idx] {
				choice["finish_reason"] = "tool_calls"
				changed = true
			}
		}
	}

	return changed
}

func (s *parseTagsStream) appendToolCalls(delta map[string]interface{}, idx int, calls []ToolCall) {
	existing, _ := delta["tool_calls"].([]interface{})
	for _, call := range calls {
		existing = append(existing, openAIToolCall(call, s.toolCounts[idx]))
		s.toolCounts[idx]++
	}
	delta["tool_calls"] = existing
	s.sawTool[idx] = true
}

// Finalise flushes every scanner. Residual held-back bytes become a content
// delta; choices that parsed tool calls but never saw an upstream finish
// reason get finish_reason=tool_calls.
func (s *parseTagsStream) Finalise() []TailEvent {
	var tails []TailEvent

	for _, idx := range sortedKeys(s.scanners) {
		residue := s.scanners[idx].Flush()

		finish := ""
		if s.sawTool[idx] && !s.finishSeen[idx] {
			finish = "tool_calls"
			s.finishSeen[idx] = true
		}

		if residue == "" && finish == "" {
			continue
		}

		tail := TailEvent{ChoiceIndex: idx, FinishReason: finish}
		if residue != "" {
			tail.Delta = map[string]interface{}{"content": residue}
		}
		tails = append(tails, tail)
	}

	return tails
}

// appendStringField concatenates onto a possibly-present string field.
func appendStringField(obj map[string]interface{}, key, value string) {
	if existing, ok := stringField(obj, key); ok && existing != "" {
		obj[key] = existing + value
		return
	}
	obj[key] = value
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// openAIToolCall shapes one extracted call the way chat-completion clients
// expect.
func openAIToolCall(call ToolCall, index int) map[string]interface{} {
	return map[string]interface{}{
		"id":   generateToolCallID(),
		"type": "function",
		"function": map[string]interface{}{
			"name":      call.Name,
			"arguments": call.Arguments,
		},
		"index": index,
	}
}

func generateToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
