package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasoproxy/paso/internal/core/domain"
)

func swapOpts(mode string) map[string]interface{} {
	return map[string]interface{}{"mode": mode}
}

func TestReasoningSwap_Buffered_ReasoningToContent(t *testing.T) {
	p := NewReasoningSwap(swapOpts(domain.SwapReasoningToContent))
	payload := bufferedPayload("Answer.")
	firstMessage(t, payload)["reasoning_content"] = "Reasoning."

	changed := p.ParseBuffered(testCtx(), payload)

	require.True(t, changed)
	message := firstMessage(t, payload)
	assert.Equal(t, "<think>Reasoning.</think>Answer.", message["content"])
	_, present := message["reasoning_content"]
	assert.False(t, present)
}

func TestReasoningSwap_Buffered_ContentToReasoning(t *testing.T) {
	p := NewReasoningSwap(swapOpts(domain.SwapContentToReasoning))
	payload := bufferedPayload("<think>Reasoning.</think>Answer.")

	changed := p.ParseBuffered(testCtx(), payload)

	require.True(t, changed)
	message := firstMessage(t, payload)
	assert.Equal(t, "Answer.", message["content"])
	assert.Equal(t, "Reasoning.", message["reasoning_content"])
}

func TestReasoningSwap_Buffered_ContentToReasoningKeepsUpstreamReasoning(t *testing.T) {
	p := NewReasoningSwap(swapOpts(domain.SwapContentToReasoning))
	payload := bufferedPayload("<think>inline</think>body")
	firstMessage(t, payload)["reasoning_content"] = "upstream"

	changed := p.ParseBuffered(testCtx(), payload)

	assert.False(t, changed)
	assert.Equal(t, "upstream", firstMessage(t, payload)["reasoning_content"])
	assert.Equal(t, "<think>inline</think>body", firstMessage(t, payload)["content"])
}

func TestReasoningSwap_Buffered_AutoPicksPerChoice(t *testing.T) {
	p := NewReasoningSwap(nil)

	// reasoning present: wrapped into content
	withReasoning := bufferedPayload("Answer.")
	firstMessage(t, withReasoning)["reasoning_content"] = "R"
	p.ParseBuffered(testCtx(), withReasoning)
	assert.Equal(t, "<think>R</think>Answer.", firstMessage(t, withReasoning)["content"])

	// only inline markup: extracted out of content
	withInline := bufferedPayload("<think>R</think>Answer.")
	p.ParseBuffered(testCtx(), withInline)
	assert.Equal(t, "Answer.", firstMessage(t, withInline)["content"])
	assert.Equal(t, "R", firstMessage(t, withInline)["reasoning_content"])
}

func TestReasoningSwap_Buffered_NoReasoningNoChange(t *testing.T) {
	p := NewReasoningSwap(swapOpts(domain.SwapReasoningToContent))
	payload := bufferedPayload("just text")

	assert.False(t, p.ParseBuffered(testCtx(), payload))
	assert.Equal(t, "just text", firstMessage(t, payload)["content"])
}

func reasoningDelta(idx int, reasoning string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{
				"index": float64(idx),
				"delta": map[string]interface{}{"reasoning_content": reasoning},
			},
		},
	}
}

func TestReasoningSwapStream_ReasoningToContent(t *testing.T) {
	st := NewReasoningSwap(swapOpts(domain.SwapReasoningToContent)).NewStreamState(testCtx())

	first := reasoningDelta(0, "thinking ")
	st.ProcessEvent(first)
	assert.Equal(t, "<think>thinking ", deltaOf(first)["content"])
	_, present := deltaOf(first)["reasoning_content"]
	assert.False(t, present)

	second := reasoningDelta(0, "hard")
	st.ProcessEvent(second)
	assert.Equal(t, "hard", deltaOf(second)["content"])

	third := streamDelta(0, "Answer.")
	st.ProcessEvent(third)
	assert.Equal(t, "</think>Answer.", deltaOf(third)["content"])

	assert.Empty(t, st.Finalise())
}

func TestReasoningSwapStream_ReasoningToContent_CloseOnFinalise(t *testing.T) {
	st := NewReasoningSwap(swapOpts(domain.SwapReasoningToContent)).NewStreamState(testCtx())

	st.ProcessEvent(reasoningDelta(0, "never followed by content"))

	tails := st.Finalise()
	require.Len(t, tails, 1)
	assert.Equal(t, "</think>", tails[0].Delta["content"])
}

func TestReasoningSwapStream_ReasoningAndContentInOneDelta(t *testing.T) {
	st := NewReasoningSwap(swapOpts(domain.SwapReasoningToContent)).NewStreamState(testCtx())

	ev := map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{
				"index": float64(0),
				"delta": map[string]interface{}{
					"reasoning_content": "R",
					"content":           "C",
				},
			},
		},
	}
	st.ProcessEvent(ev)

	assert.Equal(t, "<think>R</think>C", deltaOf(ev)["content"])
	assert.Empty(t, st.Finalise())
}

func TestReasoningSwapStream_ContentToReasoning(t *testing.T) {
	st := NewReasoningSwap(swapOpts(domain.SwapContentToReasoning)).NewStreamState(testCtx())

	first := streamDelta(0, "<think>extr")
	st.ProcessEvent(first)
	assert.Equal(t, "", deltaOf(first)["content"])
	assert.Equal(t, "extr", deltaOf(first)["reasoning_content"])

	second := streamDelta(0, "acted</think>rest")
	st.ProcessEvent(second)
	assert.Equal(t, "rest", deltaOf(second)["content"])
	assert.Equal(t, "acted", deltaOf(second)["reasoning_content"])
}

func TestReasoningSwapStream_AutoResolvesFromFirstSignal(t *testing.T) {
	st := NewReasoningSwap(nil).NewStreamState(testCtx())

	// role-only delta must not lock the mode in
	roleOnly := map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{
				"index": float64(0),
				"delta": map[string]interface{}{"role": "assistant"},
			},
		},
	}
	st.ProcessEvent(roleOnly)

	first := reasoningDelta(0, "deep")
	st.ProcessEvent(first)
	assert.Equal(t, "<think>deep", deltaOf(first)["content"])
}
