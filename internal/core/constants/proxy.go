package constants

import "time"

// Retry and backoff defaults for upstream calls
const (
	// Extra attempts after the first, per backend
	DefaultNumRetries = 1

	// Base delay for exponential backoff between attempts (doubles each retry)
	DefaultRetryBaseDelay = 250 * time.Millisecond

	// Ceiling for the backoff delay
	DefaultRetryMaxDelay = 2 * time.Second

	// Default upstream request timeout when a backend doesn't set one
	DefaultBackendTimeout = 120 * time.Second
)

// Streaming transport defaults
const (
	// Bytes buffered from the upstream stream before any byte is committed
	// to the client, so inline SSE errors can still trigger a fallback
	DefaultStreamPeekBytes = 4096

	// Chunk size for upstream reads during the relay phase
	DefaultStreamChunkBytes = 8192
)

// Concurrency queue defaults
const (
	// Upper bound for each wait slice so deadline and client disconnect
	// are re-checked periodically while queued
	DefaultQueueWaitSlice = 500 * time.Millisecond

	// Queued-request ceiling before tombstones are compacted away
	DefaultQueueCompactThreshold = 100

	// Key shared by all unauthenticated requests
	UnauthenticatedKeyID = "__unauthenticated__"
)

// Default path prefixes the proxy serves
const (
	DefaultProxyPathPrefix    = "/v1/"
	DefaultAdminPathPrefix    = "/admin/"
	DefaultInternalPathPrefix = "/internal/"
	DefaultHealthCheckPath    = "/internal/health"
)
