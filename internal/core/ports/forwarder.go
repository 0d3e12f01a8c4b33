package ports

import (
	"context"
	"net/http"
)

// ProxyRequest is a normalised inbound request handed to the router after
// validation: body already read, model already extracted.
type ProxyRequest struct {
	Method   string
	Path     string // proxy-facing path including the /v1 prefix
	Query    string
	Body     []byte
	Payload  map[string]interface{} // decoded Body; nil when the body wasn't JSON
	Model    string
	IsStream bool
	Headers  http.Header
}

// Forwarder routes a request along its backend chain and writes the
// response, buffered or streamed, to w. A non-nil error means nothing was
// committed to the client and the caller still owns the response.
type Forwarder interface {
	ForwardRequest(ctx context.Context, w http.ResponseWriter, req *ProxyRequest, log RequestLog, disconnected DisconnectChecker) error
}
