package proxy

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/util"
)

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// buildUpstreamURL composes the outbound URL: the proxy-facing /v1 prefix is
// a local convention, so it is stripped before joining with the backend's
// base URL. The query string is appended verbatim.
func buildUpstreamURL(backend *domain.Backend, path, query string) string {
	upstream := strings.TrimPrefix(path, "/v1")
	target := util.ResolveURLPath(util.NormaliseBaseURL(backend.BaseURL), upstream)
	if query != "" {
		target += "?" + query
	}
	return target
}

// shapeHeaders builds the outbound header set: client headers minus
// hop-by-hop, credentials and length bookkeeping, plus the backend's own
// credential injected per dialect. Streaming requests force an uncompressed
// event-stream so the SSE peek sees raw bytes.
func shapeHeaders(backend *domain.Backend, incoming http.Header, isStream bool) http.Header {
	out := make(http.Header, len(incoming))
	for name, values := range incoming {
		if dropHeader(backend, name) {
			continue
		}
		for _, value := range values {
			out.Add(name, value)
		}
	}

	if out.Get(constants.HeaderContentType) == "" {
		out.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	}
	if isStream {
		out.Set(constants.HeaderAccept, constants.ContentTypeEventStream)
		out.Set(constants.HeaderAcceptEncoding, "identity")
	}

	switch backend.Type {
	case domain.APITypeAnthropic:
		if backend.APIKey != "" {
			out.Set(constants.HeaderXApiKey, backend.APIKey)
		}
		if out.Get(constants.HeaderAnthropicVersion) == "" {
			out.Set(constants.HeaderAnthropicVersion, constants.DefaultAnthropicVersion)
		}
	default:
		if backend.APIKey != "" {
			out.Set(constants.HeaderAuthorization, "Bearer "+backend.APIKey)
		}
	}
	return out
}

func dropHeader(backend *domain.Backend, name string) bool {
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	switch {
	case strings.EqualFold(name, constants.HeaderAuthorization),
		strings.EqualFold(name, "Host"),
		strings.EqualFold(name, constants.HeaderContentLength):
		return true
	}
	// the client's own Anthropic credential must not leak upstream
	if backend.Type == domain.APITypeAnthropic && strings.EqualFold(name, constants.HeaderXApiKey) {
		return true
	}
	return false
}

// filterResponseHeaders copies upstream response headers for the client,
// dropping hop-by-hop plus the length/encoding fields the server re-derives.
func filterResponseHeaders(dst http.ResponseWriter, src http.Header) {
	for name, values := range src {
		if skipResponseHeader(name) {
			continue
		}
		for _, value := range values {
			dst.Header().Add(name, value)
		}
	}
}

func skipResponseHeader(name string) bool {
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return strings.EqualFold(name, constants.HeaderContentLength) ||
		strings.EqualFold(name, constants.HeaderContentEncoding)
}

// rewriteBody applies the backend's request-body rules: upstream model name,
// the thinking flag for reasoning backends, the stream flag, and parameter
// overrides. Bodies that aren't valid JSON are forwarded untouched.
func rewriteBody(backend *domain.Backend, body []byte, isStream bool) []byte {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}

	out := body
	var err error

	if upstream := backend.UpstreamModel(); upstream != gjson.GetBytes(out, "model").String() {
		if out, err = sjson.SetBytes(out, "model", upstream); err != nil {
			return body
		}
	}

	if backend.SupportsReasoning && !gjson.GetBytes(out, "thinking").Exists() {
		if out, err = sjson.SetRawBytes(out, "thinking", []byte(`{"type":"enabled"}`)); err != nil {
			return body
		}
	}

	if isStream && !gjson.GetBytes(out, "stream").Bool() {
		if out, err = sjson.SetBytes(out, "stream", true); err != nil {
			return body
		}
	}

	for name, param := range backend.Parameters {
		existing := gjson.GetBytes(out, name)
		if param.AllowOverride && existing.Exists() {
			continue
		}
		if out, err = sjson.SetBytes(out, name, param.Default); err != nil {
			return body
		}
	}
	return out
}

// extractUsage pulls token counters out of a buffered completion body.
func extractUsage(body []byte) *domain.UsageStats {
	usage := gjson.GetBytes(body, "usage")
	if !usage.IsObject() {
		return nil
	}
	stats := &domain.UsageStats{
		PromptTokens:     usage.Get("prompt_tokens").Int(),
		CompletionTokens: usage.Get("completion_tokens").Int(),
		TotalTokens:      usage.Get("total_tokens").Int(),
	}
	if stats.TotalTokens == 0 {
		stats.TotalTokens = stats.PromptTokens + stats.CompletionTokens
	}
	return stats
}
