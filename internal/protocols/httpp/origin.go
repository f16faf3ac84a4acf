package httpp

import (
	"errors"
	"net"
	"net/url"
)

// ErrOriginNotAllowed is returned by IsOriginAllowed when the origin is not in the allow list.
var ErrOriginNotAllowed = errors.New("origin not allowed")

func normalizeDefaultPort(u *url.URL) {
	if u.Port() == "" {
		switch u.Scheme {
		case "http":
			u.Host = net.JoinHostPort(u.Host, "80")
		case "https":
			u.Host = net.JoinHostPort(u.Host, "443")
		}
	}
}

// IsOriginAllowed checks whether origin exactly matches an entry of the allow list.
// Scheme, host and port must all match; entries without an explicit port
// match the default port of their scheme.
func IsOriginAllowed(origin string, allowOrigins []string) error {
	if len(allowOrigins) == 0 || origin == "" {
		return ErrOriginNotAllowed
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Scheme == "" {
		return ErrOriginNotAllowed
	}

	normalizeDefaultPort(originURL)

	for _, o := range allowOrigins {
		allowedURL, errAllowed := url.Parse(o)
		if errAllowed != nil || allowedURL.Scheme == "" {
			continue
		}

		normalizeDefaultPort(allowedURL)

		if allowedURL.Scheme == originURL.Scheme &&
			allowedURL.Host == originURL.Host {
			return nil
		}
	}

	return ErrOriginNotAllowed
}
