package util

import (
	"net/url"
	"path"
)

// ResolveURLPath resolves a path or absolute URL against a base URL.
// If pathOrURL is already an absolute URL (has a scheme like http://), it is returned as-is.
// Otherwise, pathOrURL is treated as a relative path and joined with the base URL's path,
// preserving any path prefix in the base URL.
//
// path.Join is used rather than url.ResolveReference because the latter treats
// paths starting with "/" as absolute references per RFC 3986, which would
// discard a path prefix carried by the base URL.
//
// Examples:
//   - ResolveURLPath("http://localhost:8000/v1/", "/chat/completions") -> "http://localhost:8000/v1/chat/completions"
//   - ResolveURLPath("http://localhost:8000/v1/", "http://other:9000/chat") -> "http://other:9000/chat"
func ResolveURLPath(baseURL, pathOrURL string) string {
	if baseURL == "" {
		return pathOrURL
	}
	if pathOrURL == "" {
		return baseURL
	}

	// Check if pathOrURL is already an absolute URL
	if parsed, err := url.Parse(pathOrURL); err == nil && parsed.IsAbs() {
		return pathOrURL
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		// If base URL is invalid, return pathOrURL as fallback
		return pathOrURL
	}

	base.Path = path.Join(base.Path, pathOrURL)
	return base.String()
}
