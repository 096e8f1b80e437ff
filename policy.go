package offlinecache

import (
	"fmt"
	"net/url"
	"strings"
)

// Strategy decides how a read request is answered.
type Strategy int

const (
	// NetworkFirst is the zero value so an unset default routes to the network.
	NetworkFirst Strategy = iota
	CacheFirst
	NetworkOnly
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case NetworkOnly:
		return "network-only"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy accepts the kebab-case names returned by String as well as CamelCase.
func ParseStrategy(s string) (Strategy, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
	switch normalized {
	case "cache-first", "cachefirst":
		return CacheFirst, nil
	case "network-first", "networkfirst", "":
		return NetworkFirst, nil
	case "network-only", "networkonly":
		return NetworkOnly, nil
	}
	return NetworkFirst, fmt.Errorf("unknown strategy %q", s)
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Rule maps a URL pattern to a strategy. A pattern starting with "/" is a prefix of
// the request path; any other pattern is a prefix of host+path (eg. cdn.example.com/fonts).
type Rule struct {
	Pattern  string   `yaml:"pattern"`
	Strategy Strategy `yaml:"strategy"`
}

func (r Rule) matches(u *url.URL) bool {
	if r.Pattern == "" {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if strings.HasPrefix(r.Pattern, "/") {
		return strings.HasPrefix(path, r.Pattern)
	}
	return strings.HasPrefix(strings.ToLower(u.Host)+path, strings.ToLower(r.Pattern))
}

// RoutingPolicy is evaluated top to bottom; the first matching rule wins.
type RoutingPolicy struct {
	Rules   []Rule
	Default Strategy
}

// Match returns the strategy for u.
func (p RoutingPolicy) Match(u *url.URL) Strategy {
	if u == nil {
		return p.Default
	}
	for _, rule := range p.Rules {
		if rule.matches(u) {
			return rule.Strategy
		}
	}
	return p.Default
}
