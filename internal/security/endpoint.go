package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that point at instance metadata services or the local machine.
var blockedEndpointHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that a configured outbound endpoint, such as a
// threat-intel feed base URL, points at a public address. Loopback, private,
// link-local, and unspecified targets are rejected so a bad config cannot aim
// server-side lookups at the internal network. Both IP literals and every
// address the hostname resolves to are checked.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint URL is not parseable")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("endpoint URL has no host")
	}
	for _, b := range blockedEndpointHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("endpoint host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return publicIP(ip)
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("endpoint host %q does not resolve", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := publicIP(ip); err != nil {
				return fmt.Errorf("endpoint host %q resolves to a blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func publicIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private address %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s", ip)
	}
	return nil
}
