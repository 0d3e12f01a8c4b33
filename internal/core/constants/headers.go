package constants

const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
	ContentTypeText        = "text/plain"

	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderAccept           = "Accept"
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderAuthorization    = "Authorization"
	HeaderXApiKey          = "x-api-key"
	HeaderAnthropicVersion = "anthropic-version"
	HeaderXRequestID       = "X-Request-ID"

	HeaderXPasoRequestID = "X-Paso-Request-ID"
	HeaderXPasoBackend   = "X-Paso-Backend"
	HeaderXPasoModel     = "X-Paso-Model"
	HeaderXPasoVersion   = "X-Paso-Version"

	// Default protocol version sent to Anthropic backends when the client
	// didn't supply one
	DefaultAnthropicVersion = "2023-06-01"
)
