package interceptor

import (
	"net"
	"net/http"
	"path"
	"strings"
)

// Class is the interception policy chosen for a request.
type Class int

const (
	// ClassPassthrough requests go to the origin untouched and are never cached.
	ClassPassthrough Class = iota
	// ClassManifest is the version manifest: network first, cached copy as fallback.
	ClassManifest
	// ClassScript is a core script: cache first with background refresh.
	ClassScript
)

func (c Class) String() string {
	switch c {
	case ClassManifest:
		return "manifest"
	case ClassScript:
		return "script"
	default:
		return "passthrough"
	}
}

// Cache status values reported on every response.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheNetwork  = "network"
	CacheFallback = "fallback"
	CacheBypass   = "bypass"
)

// Classify picks the policy for a request. Only GET requests for the
// configured domain are intercepted; an empty domain accepts any host.
func (i *Interceptor) Classify(method, host, reqPath string) Class {
	if method != http.MethodGet {
		return ClassPassthrough
	}
	if i.domain != "" && normalizeHost(host) != i.domain {
		return ClassPassthrough
	}
	switch {
	case reqPath == i.manifestPath:
		return ClassManifest
	case strings.HasPrefix(reqPath, i.scriptPrefix):
		return ClassScript
	default:
		return ClassPassthrough
	}
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// CleanPath normalises a request path before classification so that
// dot segments cannot smuggle another path under the script prefix.
func CleanPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}
