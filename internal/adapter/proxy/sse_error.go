package proxy

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// SSEStreamError is an error event found inside a 200-status SSE stream.
// Providers occasionally report failures this way as the very first event;
// catching it before any byte reaches the client keeps fallback possible.
type SSEStreamError struct {
	Message  string
	Type     string
	HTTPCode int
}

func (e *SSEStreamError) Error() string {
	if e.HTTPCode > 0 {
		return fmt.Sprintf("upstream SSE error (HTTP %d): %s", e.HTTPCode, e.Message)
	}
	return fmt.Sprintf("upstream SSE error: %s", e.Message)
}

// StatusCode maps the inline error onto an HTTP status, defaulting to 502
// when the payload carried none.
func (e *SSEStreamError) StatusCode() int {
	if e.HTTPCode > 0 {
		return e.HTTPCode
	}
	return 502
}

// DetectSSEStreamError scans buffered stream bytes for an inline error
// event: any data: line whose JSON payload has type "error" or a non-empty
// error object. [DONE] and non-object payloads are ignored. Returns nil
// when the buffer looks like a healthy stream.
func DetectSSEStreamError(buffer []byte) *SSEStreamError {
	for _, line := range strings.Split(string(buffer), "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "" || payload == "[DONE]" {
			continue
		}

		parsed := gjson.Parse(payload)
		if !parsed.IsObject() {
			continue
		}

		errObj := parsed.Get("error")
		isTyped := parsed.Get("type").String() == "error"
		if !isTyped && (!errObj.IsObject() || len(errObj.Map()) == 0) {
			continue
		}

		detected := &SSEStreamError{
			Message: errObj.Get("message").String(),
			Type:    errObj.Get("type").String(),
		}
		if detected.Message == "" {
			detected.Message = parsed.Get("message").String()
		}
		if detected.Message == "" {
			detected.Message = payload
		}
		if code := errObj.Get("http_code").Int(); code > 0 {
			detected.HTTPCode = int(code)
		} else if code := errObj.Get("code").Int(); code > 0 {
			detected.HTTPCode = int(code)
		}
		return detected
	}
	return nil
}
