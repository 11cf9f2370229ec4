package ratelimit

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrInvalidDomain = errors.New("ratelimit: invalid domain")

// NormalizeDomain lowercases a host or URL, strips default ports, and
// canonicalizes IPv6 bracket notation, so it can be used as a stable map key
// for MonitoredURL.Domain / DomainState.
func NormalizeDomain(value string) (string, error) {
	host := strings.TrimSpace(value)
	if host == "" {
		return "", ErrInvalidDomain
	}
	host = strings.ToLower(host)
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil || u.Host == "" {
			return "", ErrInvalidDomain
		}
		host = strings.ToLower(u.Host)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host, nil
	}
	base := host
	port := ""
	if strings.ContainsRune(host, ':') {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return "", ErrInvalidDomain
		}
		base = strings.ToLower(h)
		port = p
	}
	if base == "" {
		return "", ErrInvalidDomain
	}
	if strings.Contains(base, ":") && !strings.HasPrefix(base, "[") {
		base = fmt.Sprintf("[%s]", base)
	}
	switch port {
	case "", "0", "80", "443":
		return base, nil
	}
	return fmt.Sprintf("%s:%s", base, port), nil
}
