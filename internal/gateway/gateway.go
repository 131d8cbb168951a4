// Package gateway implements the HTTPS edge for the shop platform.
//
// Flow:
//  1. Plain HTTP listener answers with a 301 to the HTTPS origin
//  2. TLS listener terminates, applies rate-limit zones and the connection cap
//  3. Path prefix resolves to an upstream group (ecommerce, fds, ml, dashboard)
//  4. Pool picks a target, request is forwarded, 200s on safe methods cached
package gateway

import (
	"crypto/tls"
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrNoRoute         = errors.New("gateway: no route for path")
	ErrUpstreamFailed  = errors.New("gateway: all upstream targets failed")
	ErrNoUpstream      = errors.New("gateway: no upstream available")
	ErrCircuitOpen     = errors.New("gateway: upstream circuit open")
	ErrResponseTooBig  = errors.New("gateway: upstream response exceeds size limit")
	ErrRequestRejected = errors.New("gateway: request rejected before forwarding")
)

// Rate limit zones.
const (
	ZoneGeneral = "general"
	ZoneAuth    = "auth"
	ZoneAPI     = "api"
)

// Upstream group names.
const (
	GroupEcommerce = "ecommerce"
	GroupFDS       = "fds"
	GroupML        = "ml"
	GroupDashboard = "dashboard"
)

// Constants
const (
	MaxAttempts        = 3
	DefaultHTTPTimeout = 30 * time.Second
	maxRequestBody     = 10 * 1024 * 1024 // 10MB
	maxResponseSize    = 10 * 1024 * 1024 // 10MB
)

// TLSServerConfig returns the edge listener's TLS settings. 1.2 is the
// floor; crypto/tls negotiates up to 1.3 from there.
func TLSServerConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// Route maps a path prefix to an upstream group with its edge policy.
type Route struct {
	Prefix   string `json:"prefix"`
	Group    string `json:"group"`
	Zone     string `json:"zone"`
	Internal bool   `json:"internal,omitempty"` // restricted to the internal CIDR allowlist
	Cache    bool   `json:"cache,omitempty"`    // 200s on safe methods may be cached
}

// Routes is the edge routing table. Longest prefix wins, so /internal/fds
// can carry a stricter policy than a hypothetical /internal catch-all.
var Routes = []Route{
	{Prefix: "/v1/auth", Group: GroupEcommerce, Zone: ZoneAuth},
	{Prefix: "/v1/products", Group: GroupEcommerce, Zone: ZoneGeneral, Cache: true},
	{Prefix: "/v1/cart", Group: GroupEcommerce, Zone: ZoneGeneral},
	{Prefix: "/v1/orders", Group: GroupEcommerce, Zone: ZoneGeneral},
	{Prefix: "/v1/fds", Group: GroupFDS, Zone: ZoneAPI},
	{Prefix: "/internal/fds", Group: GroupFDS, Zone: ZoneAPI, Internal: true},
	{Prefix: "/v1/review-queue", Group: GroupFDS, Zone: ZoneAPI},
	{Prefix: "/v1/rules", Group: GroupFDS, Zone: ZoneAPI},
	{Prefix: "/v1/ml", Group: GroupML, Zone: ZoneAPI},
	{Prefix: "/v1/dashboard", Group: GroupDashboard, Zone: ZoneGeneral},
}

// Resolve finds the route for a request path by longest matching prefix.
// A prefix matches only on a path-segment boundary, so /v1/fds does not
// capture /v1/fdsomething.
func Resolve(path string) (Route, bool) {
	var best Route
	found := false
	for _, r := range Routes {
		if !matchesPrefix(path, r.Prefix) {
			continue
		}
		if !found || len(r.Prefix) > len(best.Prefix) {
			best = r
			found = true
		}
	}
	return best, found
}

func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
