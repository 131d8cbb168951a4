// Package cache provides the gateway's response cache.
//
// Only 200 responses to safe methods are stored. The key mirrors the proxy
// identity of a request: scheme, method, host, and full request URI, so the
// same path with different query strings caches separately.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrUnavailable indicates the cache backend cannot be reached. Callers
// treat it as a miss; the cache is an optimization, never a dependency.
var ErrUnavailable = errors.New("cache: backend unavailable")

// Entry is a cached upstream response.
type Entry struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"storedAt"`
}

// Store is the response cache backend.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key builds the cache key for a request.
func Key(scheme, method, host, requestURI string) string {
	return scheme + ":" + method + ":" + host + ":" + requestURI
}

// Cacheable reports whether a request/response pair may be stored.
func Cacheable(method string, statusCode int) bool {
	return (method == http.MethodGet || method == http.MethodHead) && statusCode == http.StatusOK
}
