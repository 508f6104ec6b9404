package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that must never be delivery targets no matter what they
// resolve to.
var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
	"instance-data",
}

// ValidateEndpointURL decides whether a tenant-supplied URL is a safe
// delivery target. Webhook endpoints are the only URLs spendgate POSTs to
// on a tenant's behalf, so anything pointing into loopback, private, or
// link-local space is rejected to keep the dispatcher from being used as
// an SSRF proxy. Hostnames are resolved and every address is checked.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	// An IP literal is checked directly; no resolution step to bypass.
	if ip := net.ParseIP(host); ip != nil {
		return rejectInternalIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := rejectInternalIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}

	return nil
}

func rejectInternalIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
