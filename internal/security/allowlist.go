package security

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ParseCIDRs parses CIDR blocks, skipping invalid entries.
func ParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

// IPAllowed reports whether ip falls inside any of the blocks.
func IPAllowed(ip string, nets []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// AllowCIDRs returns middleware that rejects clients whose IP is outside the
// given CIDR blocks with 403. Invalid blocks are skipped. An empty list
// denies everything, which is the safe default for internal routes.
func AllowCIDRs(cidrs []string) gin.HandlerFunc {
	nets := ParseCIDRs(cidrs)

	return func(c *gin.Context) {
		if !IPAllowed(c.ClientIP(), nets) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "client address is not allowed to access this route",
			})
			return
		}
		c.Next()
	}
}
