package parser

import (
	"github.com/pasoproxy/paso/internal/core/domain"
)

// ReasoningSwap moves reasoning between the parallel reasoning_content field
// and inline <think> markup. Options:
//
//	mode: reasoning_to_content | content_to_reasoning | auto (default)
//
// auto picks per choice: reasoning_to_content when reasoning_content shows
// up first, content_to_reasoning when content does.
type ReasoningSwap struct {
	mode string
}

func NewReasoningSwap(opts map[string]interface{}) *ReasoningSwap {
	mode := domain.SwapAuto
	if m, ok := opts["mode"].(string); ok {
		switch m {
		case domain.SwapReasoningToContent, domain.SwapContentToReasoning, domain.SwapAuto:
			mode = m
		}
	}
	return &ReasoningSwap{mode: mode}
}

func (p *ReasoningSwap) Name() string {
	return domain.ParserReasoningSwap
}

func (p *ReasoningSwap) ParseBuffered(pctx *domain.ParserContext, payload map[string]interface{}) bool {
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

		reasoning, _ := stringField(message, "reasoning_content")
		content, _ := stringField(message, "content")

		mode := p.mode
		if mode == domain.SwapAuto {
			if reasoning != "" {
				mode = domain.SwapReasoningToContent
			} else {
				mode = domain.SwapContentToReasoning
			}
		}

		switch mode {
		case domain.SwapReasoningToContent:
			if reasoning == "" {
				continue
			}
			message["content"] = thinkOpen + reasoning + thinkClose + content
			delete(message, "reasoning_content")
			changed = true

		case domain.SwapContentToReasoning:
			// never clobber reasoning the upstream already delivered
			if reasoning != "" || content == "" {
				continue
			}
			scanner := NewTagScanner(ScannerConfig{Think: true})
			clean, extracted, _ := scanner.Feed(content)
			clean += scanner.Flush()
			if extracted == "" {
				continue
			}
			message["reasoning_content"] = extracted
			if clean == "" {
				message["content"] = nil
			} else {
				message["content"] = clean
			}
			changed = true
		}
	}

	return changed
}

func (p *ReasoningSwap) NewStreamState(pctx *domain.ParserContext) StreamState {
	return &reasoningSwapStream{
		mode:    p.mode,
		choices: make(map[int]*swapChoiceState),
	}
}

type swapChoiceState struct {
	scanner     *TagScanner
	mode        string
	inReasoning bool
}

// reasoningSwapStream tracks, per choice, whether a <think> block is open
// (reasoning_to_content) or owns a think-only scanner (content_to_reasoning).
type reasoningSwapStream struct {
	choices map[int]*swapChoiceState
	mode    string
}

func (s *reasoningSwapStream) state(idx int) *swapChoiceState {
	st, ok := s.choices[idx]
	if !ok {
		st = &swapChoiceState{}
		if s.mode != domain.SwapAuto {
			st.mode = s.mode
		}
		s.choices[idx] = st
	}
	return st
}

func (s *reasoningSwapStream) ProcessEvent(payload map[string]interface{}) bool {
	changed := false

	for pos, entry := range choices(payload) {
		choice, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		idx := choiceIndex(choice, pos)
		delta, ok := choice["delta"].(map[string]interface{})
		if !ok {
			continue
		}

		st := s.state(idx)
		reasoning, _ := stringField(delta, "reasoning_content")
		content, _ := stringField(delta, "content")

		// auto resolves on the first field that actually carries text
		if st.mode == "" {
			if reasoning != "" {
				st.mode = domain.SwapReasoningToContent
			} else if content != "" {
				st.mode = domain.SwapContentToReasoning
			} else {
				continue
			}
		}

		switch st.mode {
		case domain.SwapReasoningToContent:
			out := ""
			if reasoning != "" {
				if !st.inReasoning {
					out += thinkOpen
					st.inReasoning = true
				}
				out += reasoning
				delete(delta, "reasoning_content")
				changed = true
			}
			if content != "" {
				if st.inReasoning {
					out += thinkClose
					st.inReasoning = false
				}
				out += content
			}
			if out != "" && out != content {
				delta["content"] = out
				changed = true
			}

		case domain.SwapContentToReasoning:
			if content == "" {
				continue
			}
			if st.scanner == nil {
				st.scanner = NewTagScanner(ScannerConfig{Think: true})
			}
			clean, extracted, _ := st.scanner.Feed(content)
			if clean != content {
				delta["content"] = clean
				changed = true
			}
			if extracted != "" {
				appendStringField(delta, "reasoning_content", extracted)
				changed = true
			}
		}
	}

	return changed
}

// Finalise closes any think block left open and flushes scanner residue.
func (s *reasoningSwapStream) Finalise() []TailEvent {
	var tails []TailEvent

	for _, idx := range sortedKeys(s.choices) {
		st := s.choices[idx]

		if st.inReasoning {
			st.inReasoning = false
			tails = append(tails, TailEvent{
				ChoiceIndex: idx,
				Delta:       map[string]interface{}{"content": thinkClose},
			})
			continue
		}

		if st.scanner != nil {
			if residue := st.scanner.Flush(); residue != "" {
				tails = append(tails, TailEvent{
					ChoiceIndex: idx,
					Delta:       map[string]interface{}{"content": residue},
				})
			}
		}
	}

	return tails
}
