package networking

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// init populates the private IP blocks used for outbound request validation
func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

// IsURL checks if a string is a valid http or https URL
func IsURL(str string) bool {
	u, err := url.Parse(str)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// IsLocalhost checks if a host (with optional port) refers to the local machine
func IsLocalhost(host string) bool {
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIp returns an error if the dial address ("ip:port")
// falls within a private, loopback, or link-local range. Used as the dialer
// control for SSRF protection: by the time the control runs, DNS resolution
// has already happened, so the host is always a literal IP.
func AddressReferencesPrivateIp(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("could not parse IP address from %s", address)
	}

	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return fmt.Errorf("the address %s references a private IP range", address)
		}
	}
	return nil
}
