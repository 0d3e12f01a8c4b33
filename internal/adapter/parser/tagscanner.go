package parser

import (
	"strings"
)

// Tool-call markup variants seen in the wild. Default wraps each call in
// <tool_call> tags with <arg_key>/<arg_value> pairs; K2 wraps a whole
// section in <|tool_calls_section_begin|> markers with JSON argument
// payloads.
type ToolVariant int

const (
	ToolVariantDefault ToolVariant = iota
	ToolVariantK2
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"

	toolOpen  = "<tool_call>"
	toolClose = "</tool_call>"

	argKeyOpen    = "<arg_key>"
	argKeyClose   = "</arg_key>"
	argValueOpen  = "<arg_value>"
	argValueClose = "</arg_value>"

	k2SectionOpen  = "<|tool_calls_section_begin|>"
	k2SectionClose = "<|tool_calls_section_end|>"
	k2CallOpen     = "<|tool_call_begin|>"
	k2ArgOpen      = "<|tool_call_argument_begin|>"
	k2CallClose    = "<|tool_call_end|>"
)

// ToolCall is one extracted call: a function name plus its arguments as an
// encoded JSON string.
type ToolCall struct {
	Name      string
	Arguments string
}

type scanMode int

const (
	modeText scanMode = iota
	modeThink
	modeTool
)

// ScannerConfig selects which tag families the scanner extracts.
type ScannerConfig struct {
	Think   bool
	Tools   bool
	Variant ToolVariant
}

// TagScanner incrementally extracts <think> blocks and tool-call markup from
// a character stream. Feed may be called with arbitrary chunk boundaries;
// bytes that could still become a tag are held back until disambiguated.
// Created per choice index per request; not safe for concurrent use.
type TagScanner struct {
	cfg ScannerConfig

	mode    scanMode
	carry   string
	toolBuf strings.Builder
}

func NewTagScanner(cfg ScannerConfig) *TagScanner {
	return &TagScanner{cfg: cfg}
}

func (s *TagScanner) toolOpenToken() string {
	if s.cfg.Variant == ToolVariantK2 {
		return k2SectionOpen
	}
	return toolOpen
}

func (s *TagScanner) toolCloseToken() string {
	if s.cfg.Variant == ToolVariantK2 {
		return k2SectionClose
	}
	return toolClose
}

// Feed consumes the next chunk and returns whatever became emittable:
// plain content, reasoning extracted from <think> blocks and any completed
// tool calls. Empty chunks are no-ops.
func (s *TagScanner) Feed(text string) (string, string, []ToolCall) {
	if text == "" && s.carry == "" {
		return "", "", nil
	}

	rem := s.carry + text
	s.carry = ""

	var content, reasoning strings.Builder
	var calls []ToolCall

	for rem != "" {
		switch s.mode {
		case modeText:
			rem = s.scanText(rem, &content)
		case modeThink:
			rem = s.scanUntil(rem, thinkClose, &reasoning, func(string) {
				s.mode = modeText
			})
		case modeTool:
			rem = s.scanUntil(rem, s.toolCloseToken(), &s.toolBuf, func(body string) {
				calls = s.closeTool(body, &content, calls)
				s.mode = modeText
			})
		}
	}

	return content.String(), reasoning.String(), calls
}

// Flush returns everything still held back as plain content and resets the
// scanner. An unterminated tag is treated as not having been a tag, with the
// consumed opening marker restored.
func (s *TagScanner) Flush() string {
	var out string
	switch s.mode {
	case modeTool:
		out = s.toolOpenToken() + s.toolBuf.String() + s.carry
	default:
		out = s.carry
	}
	s.carry = ""
	s.toolBuf.Reset()
	s.mode = modeText
	return out
}

// scanText emits plain content until an opening tag (or ambiguous prefix of
// one) is found. Returns the unconsumed remainder.
func (s *TagScanner) scanText(rem string, content *strings.Builder) string {
	for rem != "" {
		lt := strings.IndexByte(rem, '<')
		if lt < 0 {
			content.WriteString(rem)
			return ""
		}

		content.WriteString(rem[:lt])
		rem = rem[lt:]

		matched, ambiguous := s.matchOpenTag(rem)
		switch {
		case matched == thinkOpen:
			rem = rem[len(thinkOpen):]
			s.mode = modeThink
			return rem
		case matched != "":
			rem = rem[len(matched):]
			s.mode = modeTool
			return rem
		case ambiguous:
			// could still become a tag; hold it back
			s.carry = rem
			return ""
		default:
			content.WriteByte('<')
			rem = rem[1:]
		}
	}
	return ""
}

// matchOpenTag checks rem (starting with '<') against the active opening
// tags. Returns the matched tag, or ambiguous=true when rem is a proper
// prefix of one and needs more bytes.
func (s *TagScanner) matchOpenTag(rem string) (string, bool) {
	candidates := make([]string, 0, 2)
	if s.cfg.Think {
		candidates = append(candidates, thinkOpen)
	}
	if s.cfg.Tools {
		candidates = append(candidates, s.toolOpenToken())
	}

	ambiguous := false
	for _, tag := range candidates {
		if strings.HasPrefix(rem, tag) {
			return tag, false
		}
		if len(rem) < len(tag) && strings.HasPrefix(tag, rem) {
			ambiguous = true
		}
	}
	return "", ambiguous
}

// scanUntil accumulates into sink until the closing token appears, invoking
// done with the accumulated body. A trailing prefix of the token is retained
// across feeds.
func (s *TagScanner) scanUntil(rem, token string, sink *strings.Builder, done func(body string)) string {
	idx := strings.Index(rem, token)
	if idx >= 0 {
		sink.WriteString(rem[:idx])
		body := sink.String()
		if sink == &s.toolBuf {
			s.toolBuf.Reset()
		}
		done(body)
		return rem[idx+len(token):]
	}

	keep := longestPrefixSuffix(rem, token)
	sink.WriteString(rem[:len(rem)-keep])
	s.carry = rem[len(rem)-keep:]
	return ""
}

// longestPrefixSuffix returns the length of the longest suffix of rem that
// is a proper prefix of token.
func longestPrefixSuffix(rem, token string) int {
	maxLen := len(token) - 1
	if len(rem) < maxLen {
		maxLen = len(rem)
	}
	for k := maxLen; k > 0; k-- {
		if rem[len(rem)-k:] == token[:k] {
			return k
		}
	}
	return 0
}

// closeTool parses a completed tool body. Bodies that yield no usable call
// are restored verbatim to content.
func (s *TagScanner) closeTool(body string, content *strings.Builder, calls []ToolCall) []ToolCall {
	if s.cfg.Variant == ToolVariantK2 {
		return s.closeK2Section(body, content, calls)
	}

	call, ok := parseToolBody(body)
	if !ok {
		content.WriteString(toolOpen + body + toolClose)
		return calls
	}
	return append(calls, call)
}

// parseToolBody extracts name and arguments from a default-variant body:
// the name is the first token before any whitespace or <arg_key>, followed
// by <arg_key>/<arg_value> pairs. Values are JSON-decoded when possible,
// otherwise kept as strings.
func parseToolBody(body string) (ToolCall, bool) {
	namePart := body
	rest := ""
	if idx := strings.Index(body, argKeyOpen); idx >= 0 {
		namePart = body[:idx]
		rest = body[idx:]
	}

	fields := strings.Fields(namePart)
	if len(fields) == 0 {
		return ToolCall{}, false
	}
	name := fields[0]

	args := newArgBuilder()
	for rest != "" {
		key, value, remainder, ok := nextArgPair(rest)
		if !ok {
			break
		}
		args.add(key, value)
		rest = remainder
	}

	return ToolCall{Name: name, Arguments: args.encode()}, true
}

// nextArgPair pulls one <arg_key>…</arg_key><arg_value>…</arg_value> pair
// off the front of rest.
func nextArgPair(rest string) (string, string, string, bool) {
	ko := strings.Index(rest, argKeyOpen)
	if ko < 0 {
		return "", "", "", false
	}
	rest = rest[ko+len(argKeyOpen):]
	kc := strings.Index(rest, argKeyClose)
	if kc < 0 {
		return "", "", "", false
	}
	key := rest[:kc]
	rest = rest[kc+len(argKeyClose):]

	vo := strings.Index(rest, argValueOpen)
	if vo < 0 {
		return "", "", "", false
	}
	rest = rest[vo+len(argValueOpen):]
	vc := strings.Index(rest, argValueClose)
	if vc < 0 {
		return "", "", "", false
	}
	value := rest[:vc]
	rest = rest[vc+len(argValueClose):]

	return key, value, rest, true
}

// closeK2Section parses a full K2 section body containing zero or more
// <|tool_call_begin|> name <|tool_call_argument_begin|> args
// <|tool_call_end|> groups. Sections yielding no calls are restored verbatim.
func (s *TagScanner) closeK2Section(body string, content *strings.Builder, calls []ToolCall) []ToolCall {
	rest := body
	parsed := false

	for {
		co := strings.Index(rest, k2CallOpen)
		if co < 0 {
			break
		}
		segment := rest[co+len(k2CallOpen):]

		ao := strings.Index(segment, k2ArgOpen)
		if ao < 0 {
			break
		}
		name := strings.TrimSpace(segment[:ao])
		segment = segment[ao+len(k2ArgOpen):]

		cc := strings.Index(segment, k2CallClose)
		if cc < 0 {
			break
		}
		rawArgs := strings.TrimSpace(segment[:cc])
		rest = segment[cc+len(k2CallClose):]

		if name == "" {
			continue
		}

		calls = append(calls, ToolCall{
			Name:      normaliseK2Name(name),
			Arguments: normaliseArguments(rawArgs),
		})
		parsed = true
	}

	if !parsed {
		content.WriteString(k2SectionOpen + body + k2SectionClose)
	}
	return calls
}

// normaliseK2Name strips the functions.<name>:<index> wrapper K2 models
// emit around tool names.
func normaliseK2Name(name string) string {
	if rest, ok := strings.CutPrefix(name, "functions."); ok {
		name = rest
	}
	if idx := strings.LastIndexByte(name, ':'); idx > 0 {
		if isDigits(name[idx+1:]) {
			name = name[:idx]
		}
	}
	return name
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// normaliseArguments keeps valid JSON as-is and encodes anything else as a
// JSON string so downstream consumers always get a decodable payload.
func normaliseArguments(raw string) string {
	if raw == "" {
		return "{}"
	}
	var probe interface{}
	if err := json.UnmarshalFromString(raw, &probe); err == nil {
		return raw
	}
	encoded, err := json.MarshalToString(raw)
	if err != nil {
		return "{}"
	}
	return encoded
}

// argBuilder assembles a JSON object preserving key order, so extracted
// arguments are stable across runs.
type argBuilder struct {
	buf   strings.Builder
	empty bool
}

func newArgBuilder() *argBuilder {
	b := &argBuilder{empty: true}
	b.buf.WriteByte('{')
	return b
}

func (b *argBuilder) add(key, rawValue string) {
	if !b.empty {
		b.buf.WriteByte(',')
	}
	b.empty = false

	encodedKey, err := json.MarshalToString(key)
	if err != nil {
		encodedKey = `""`
	}
	b.buf.WriteString(encodedKey)
	b.buf.WriteByte(':')

	var probe interface{}
	if err := json.UnmarshalFromString(rawValue, &probe); err == nil {
		b.buf.WriteString(rawValue)
		return
	}
	encodedValue, err := json.MarshalToString(rawValue)
	if err != nil {
		encodedValue = `""`
	}
	b.buf.WriteString(encodedValue)
}

func (b *argBuilder) encode() string {
	b.buf.WriteByte('}')
	return b.buf.String()
}
