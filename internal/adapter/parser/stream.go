package parser

import (
	"bytes"

	"github.com/pasoproxy/paso/internal/adapter/sse"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/logger"
)

// StreamProcessor applies a pipeline to a live SSE byte stream. Chunks go
// in with arbitrary boundaries; transformed wire bytes come out, ready for
// the client. The most recent envelope fields (id, model, created, object,
// usage) are retained so synthesised tail events inherit identity.
type StreamProcessor struct {
	pctx   *domain.ParserContext
	states []StreamState
	log    logger.StyledLogger

	decoder sse.Decoder

	envID      string
	envModel   string
	envObject  string
	envCreated interface{}
	usage      *domain.UsageStats

	finalised bool
}

// NewStreamProcessor mints per-request state for every parser in the chain.
func (p *Pipeline) NewStreamProcessor(pctx *domain.ParserContext) *StreamProcessor {
	if p == nil {
		return nil
	}

	states := make([]StreamState, len(p.parsers))
	for i, parser := range p.parsers {
		states[i] = parser.NewStreamState(pctx)
	}

	return &StreamProcessor{
		pctx:   pctx,
		states: states,
		log:    p.log,
	}
}

// ProcessChunk feeds raw upstream bytes through the codec and the parser
// chain. Returns the bytes to forward now; nil when no event completed yet.
func (sp *StreamProcessor) ProcessChunk(chunk []byte) []byte {
	events := sp.decoder.Feed(chunk)
	if len(events) == 0 {
		return nil
	}

	var out bytes.Buffer
	for _, ev := range events {
		sp.writeEvent(&out, ev)
	}
	return out.Bytes()
}

// Finish emits finalisation events from every parser, then any non-terminated
// codec residue. Call once, after the upstream ends.
func (sp *StreamProcessor) Finish() []byte {
	var out bytes.Buffer
	sp.writeFinalisation(&out)
	if residue := sp.decoder.Flush(); len(residue) > 0 {
		out.Write(residue)
	}
	return out.Bytes()
}

// Usage returns token usage captured from the stream, nil when the upstream
// never sent any.
func (sp *StreamProcessor) Usage() *domain.UsageStats {
	return sp.usage
}

func (sp *StreamProcessor) writeEvent(out *bytes.Buffer, ev sse.Event) {
	if !ev.HasData() {
		sse.EncodeTo(out, ev)
		return
	}

	// [DONE] flushes finalisation first, then passes through untouched
	if ev.IsDone() {
		sp.writeFinalisation(out)
		sse.EncodeTo(out, ev)
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		// non-object payloads pass through, partial data beats none
		sse.EncodeTo(out, ev)
		return
	}

	sp.captureEnvelope(payload)

	changed := false
	for _, st := range sp.states {
		if st.ProcessEvent(payload) {
			changed = true
		}
	}

	if !changed {
		sse.EncodeTo(out, ev)
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		sp.log.Warn("Failed to re-encode streamed chunk, passing original through", "error", err)
		sse.EncodeTo(out, ev)
		return
	}
	sse.EncodeTo(out, sse.Event{Data: encoded, OtherLines: ev.OtherLines})
}

func (sp *StreamProcessor) writeFinalisation(out *bytes.Buffer) {
	if sp.finalised {
		return
	}
	sp.finalised = true

	for _, st := range sp.states {
		for _, tail := range st.Finalise() {
			encoded, err := json.Marshal(sp.tailChunk(tail))
			if err != nil {
				sp.log.Warn("Failed to encode finalisation event", "error", err)
				continue
			}
			sse.EncodeTo(out, sse.Event{Data: encoded})
		}
	}
}

// tailChunk wraps a synthesised delta in a chunk carrying the retained
// envelope.
func (sp *StreamProcessor) tailChunk(tail TailEvent) map[string]interface{} {
	delta := tail.Delta
	if delta == nil {
		delta = map[string]interface{}{}
	}

	choice := map[string]interface{}{
		"index": tail.ChoiceIndex,
		"delta": delta,
	}
	if tail.FinishReason != "" {
		choice["finish_reason"] = tail.FinishReason
	} else {
		choice["finish_reason"] = nil
	}

	chunk := map[string]interface{}{
		"choices": []interface{}{choice},
	}
	if sp.envID != "" {
		chunk["id"] = sp.envID
	}
	if sp.envObject != "" {
		chunk["object"] = sp.envObject
	} else {
		chunk["object"] = "chat.completion.chunk"
	}
	if sp.envCreated != nil {
		chunk["created"] = sp.envCreated
	}
	if sp.envModel != "" {
		chunk["model"] = sp.envModel
	}
	return chunk
}

func (sp *StreamProcessor) captureEnvelope(payload map[string]interface{}) {
	if id, ok := stringField(payload, "id"); ok && id != "" {
		sp.envID = id
	}
	if model, ok := stringField(payload, "model"); ok && model != "" {
		sp.envModel = model
	}
	if object, ok := stringField(payload, "object"); ok && object != "" {
		sp.envObject = object
	}
	if created, ok := payload["created"]; ok && created != nil {
		sp.envCreated = created
	}
	if usage, ok := payload["usage"].(map[string]interface{}); ok && len(usage) > 0 {
		sp.usage = usageFromMap(usage)
	}
}

// usageFromMap tolerates both int and float encodings of token counts.
func usageFromMap(usage map[string]interface{}) *domain.UsageStats {
	stats := &domain.UsageStats{
		PromptTokens:     intField(usage, "prompt_tokens"),
		CompletionTokens: intField(usage, "completion_tokens"),
		TotalTokens:      intField(usage, "total_tokens"),
	}
	if stats.TotalTokens == 0 {
		stats.TotalTokens = stats.PromptTokens + stats.CompletionTokens
	}
	return stats
}

func intField(obj map[string]interface{}, key string) int64 {
	switch v := obj[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}
