package clients

import (
	"net"
	"net/url"
	"strings"

	"brokermcp/internal/autherr"
)

// ValidateRedirectURI accepts absolute https URIs, and http URIs on a
// loopback host (RFC 8252 section 7.3). Fragments are never allowed.
func ValidateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return autherr.New(autherr.InvalidRedirectURI, "redirect_uri must be an absolute URL: "+uri)
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return autherr.New(autherr.InvalidRedirectURI, "redirect_uri must not contain a fragment: "+uri)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if IsLoopbackHost(u.Hostname()) {
			return nil
		}
		return autherr.New(autherr.InvalidRedirectURI, "http redirect_uri must use a loopback host: "+uri)
	default:
		return autherr.New(autherr.InvalidRedirectURI, "unsupported redirect_uri scheme: "+uri)
	}
}

// ResolveRedirectURI returns the redirect URI a request may use. An empty
// requested URI is only allowed when exactly one URI is registered.
func (c *Client) ResolveRedirectURI(requested string) (string, error) {
	if requested == "" {
		if len(c.RedirectURIs) == 1 {
			return c.RedirectURIs[0], nil
		}
		return "", autherr.New(autherr.InvalidRedirectURI, "redirect_uri is required")
	}
	for _, registered := range c.RedirectURIs {
		if matchesRedirectURI(requested, registered) {
			return requested, nil
		}
	}
	return "", autherr.New(autherr.InvalidRedirectURI, "redirect_uri is not registered for this client")
}

// matchesRedirectURI compares exactly, except that loopback URIs may use
// any port.
func matchesRedirectURI(requested, registered string) bool {
	if requested == registered {
		return true
	}
	req, err := url.Parse(requested)
	if err != nil {
		return false
	}
	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}
	if req.Scheme != "http" || reg.Scheme != "http" {
		return false
	}
	if !IsLoopbackHost(req.Hostname()) || !strings.EqualFold(req.Hostname(), reg.Hostname()) {
		return false
	}
	return req.Path == reg.Path && req.RawQuery == reg.RawQuery && req.Fragment == "" && req.User == nil
}

// IsLoopbackHost reports whether host is localhost or a loopback IP.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
