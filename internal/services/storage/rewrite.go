package storage

import (
	"net/url"
	"strings"
)

// HostRewriter maps public hostnames to internal ones before navigation, so
// captures of self-hosted sites stay inside the private network. Reverse
// undoes the mapping for URLs reported back to callers.
type HostRewriter struct {
	forward map[string]string
	reverse map[string]string
}

// NewHostRewriter builds a rewriter from a public->internal host map.
func NewHostRewriter(hosts map[string]string) *HostRewriter {
	r := &HostRewriter{
		forward: make(map[string]string, len(hosts)),
		reverse: make(map[string]string, len(hosts)),
	}
	for public, internal := range hosts {
		public = strings.ToLower(public)
		internal = strings.ToLower(internal)
		r.forward[public] = internal
		r.reverse[internal] = public
	}
	return r
}

// Transform rewrites the URL's host when a mapping exists. Unmapped and
// unparsable URLs pass through unchanged.
func (r *HostRewriter) Transform(rawURL string) string {
	return r.swap(rawURL, r.forward)
}

// Reverse maps an internal URL back to its public form.
func (r *HostRewriter) Reverse(rawURL string) string {
	return r.swap(rawURL, r.reverse)
}

func (r *HostRewriter) swap(rawURL string, table map[string]string) string {
	if len(table) == 0 {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	replacement, ok := table[strings.ToLower(u.Host)]
	if !ok {
		return rawURL
	}
	u.Host = replacement
	return u.String()
}
