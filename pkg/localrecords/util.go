package localrecords

import (
	"strings"

	"dns-proxy/pkg/pattern"
)

// normalizeDomain normalizes a domain name to lowercase without the root dot
func normalizeDomain(domain string) string {
	return pattern.Normalize(domain)
}

// isValidDomain performs basic host name validation on a normalized name
func isValidDomain(domain string) bool {
	if domain == "" || len(domain) > 253 {
		return false
	}
	if strings.HasPrefix(domain, ".") {
		return false
	}

	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}

		for i, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' && c != '_' {
				return false
			}
			// Hyphen cannot be first or last
			if c == '-' && (i == 0 || i == len(label)-1) {
				return false
			}
		}
	}

	return true
}

// isAlphanumeric checks if a byte is alphanumeric
func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
