package constants

const (
	ContextRequestIdKey   = "request_id"   // generated for each request in the logging middleware
	ContextRequestTimeKey = "request_time" // request arrival time, used for end-to-end latency
)
