package offlinecache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Identity is the normalized (method, absolute URL) pair requests are correlated by.
type Identity struct {
	Method string
	URL    string
}

// Key is the backend key for the identity, eg. GET#https://example.com/app.css
func (id Identity) Key() string {
	return fmt.Sprintf("%s#%s", id.Method, id.URL)
}

func (id Identity) String() string { return id.Key() }

// IdentityOf normalizes the method and URL of r.
func IdentityOf(r *http.Request) Identity {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return Identity{Method: strings.ToUpper(method), URL: NormalizeURL(r.URL)}
}

// ResolveIdentity builds a GET identity for a manifest entry, resolving root-relative
// references against origin.
func ResolveIdentity(origin *url.URL, ref string) (Identity, error) {
	u, err := resolve(origin, ref)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Method: http.MethodGet, URL: NormalizeURL(u)}, nil
}

func resolve(origin *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if origin == nil {
		return nil, fmt.Errorf("relative url %q without origin", ref)
	}
	return origin.ResolveReference(u), nil
}

// NormalizeURL lower-cases scheme and host, drops default ports and fragments, and
// maps an empty path to "/". The query is kept as sent.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	if port := n.Port(); (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		n.Host = n.Hostname()
		if strings.Contains(n.Host, ":") {
			n.Host = "[" + n.Host + "]"
		}
	}
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}

func normalizedHost(u *url.URL) string {
	n, err := url.Parse(NormalizeURL(u))
	if err != nil {
		return strings.ToLower(u.Host)
	}
	return n.Host
}

func isReadMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

func isMutatingMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
