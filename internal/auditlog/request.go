// Package auditlog builds append-only audit entries and carries request
// metadata for them through the context.
package auditlog

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Meta is request metadata attached to audit entries.
type Meta struct {
	ActorID   string
	ClientIP  string
	Path      string
	RequestID string
}

type metaKey struct{}

// FromRequest extracts audit metadata from r.
func FromRequest(r *http.Request) Meta {
	return Meta{
		ActorID:  ActorID(r),
		ClientIP: ClientIP(r),
		Path:     RequestPath(r),
	}
}

// WithMeta stores m on ctx.
func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom returns the metadata stored on ctx, or the zero Meta.
func MetaFrom(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}

// ClientIP resolves the best-effort client IP for audit metadata.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// ActorID returns the acting operator or user from gateway headers.
func ActorID(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, header := range []string{"X-Actor-ID", "X-User-ID"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return ""
}

// RequestPath returns a stable request path for audit metadata.
func RequestPath(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	if p := strings.TrimSpace(r.URL.Path); p != "" {
		return p
	}
	return "/"
}
