// Package manifest resolves the application version advertised by the origin's
// version manifest (GET /version.json). The version is an opaque token: it is
// only ever compared for equality, never parsed.
package manifest

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/wine-cellar/asset-gate/internal/cache"
	"github.com/wine-cellar/asset-gate/internal/origin"
)

// Token identifies one application build. The empty token means "unknown".
type Token string

// Known reports whether the token carries a version.
func (t Token) Known() bool {
	return t != ""
}

func (t Token) String() string {
	return string(t)
}

// Fetcher is the part of origin.Fetcher the resolver needs.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*cache.Response, error)
}

// Extract picks the first non-empty string among commit, version and date.
// Anything that is not a JSON object yields the unknown token.
func Extract(body []byte) Token {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return ""
	}
	for _, key := range []string{"commit", "version", "date"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		if value != "" {
			return Token(value)
		}
	}
	return ""
}

// FromResponse extracts the token from a manifest response. Non-2xx responses
// carry no version.
func FromResponse(resp *cache.Response) Token {
	if !resp.OK() {
		return ""
	}
	return Extract(resp.Body)
}

// Resolver fetches the manifest at a fixed path.
type Resolver struct {
	fetcher Fetcher
	path    string
	logger  *logrus.Logger
}

// NewResolver builds a resolver for the manifest at path.
func NewResolver(fetcher Fetcher, path string, logger *logrus.Logger) *Resolver {
	return &Resolver{fetcher: fetcher, path: path, logger: logger}
}

// Path returns the manifest path this resolver reads.
func (r *Resolver) Path() string {
	return r.path
}

// Resolve never fails: network errors, non-2xx responses and unparseable
// bodies all come back as the unknown token.
func (r *Resolver) Resolve(ctx context.Context) Token {
	resp, err := r.fetcher.Fetch(ctx, origin.Request{Path: r.path})
	if err != nil {
		r.warn("manifest_fetch_failed", err, 0)
		return ""
	}
	if !resp.OK() {
		r.warn("manifest_fetch_failed", nil, resp.Status)
		return ""
	}
	token := Extract(resp.Body)
	if !token.Known() {
		r.warn("manifest_version_missing", nil, resp.Status)
	}
	return token
}

func (r *Resolver) warn(msg string, err error, status int) {
	if r.logger == nil {
		return
	}
	entry := r.logger.WithFields(logrus.Fields{
		"action":          "resolve_version",
		"path":            r.path,
		"upstream_status": status,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(msg)
}
