package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint is returned for outbound URLs that could reach
// internal services.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Resolver looks host names up. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ValidateEndpointURL checks that the notification webhook (or any other
// server-side target) is an http(s) URL whose host, literal or resolved,
// is not loopback, private, link-local or unspecified. allowPrivate
// skips the address checks for local development.
func ValidateEndpointURL(ctx context.Context, r Resolver, rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL", ErrUnsafeEndpoint)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrUnsafeEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	}
	if allowPrivate {
		return nil
	}

	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrUnsafeEndpoint, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrUnsafeEndpoint)
	}
	return nil
}
