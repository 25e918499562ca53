package outbound

import (
	"context"
)

// Resolver answers a single-question DNS query for a domain over
// whatever mechanism the caller wired in (the doh package's cache-backed
// DoH client, in this repo). wantV6 selects AAAA vs A.
type Resolver interface {
	Resolve(ctx context.Context, domain string, wantV6 bool) (ResolvedAddr, error)
}

// ResolvedAddr is the result of a single-question resolve: present is
// false when the answer section had no usable A/AAAA record, which is not
// itself an error (happy-eyeballs simply treats that race arm as losing).
type ResolvedAddr struct {
	IP      [16]byte
	Is4     bool
	Present bool
}

type resolverCtxKey struct{}

// WithResolver attaches a Resolver to ctx for the default HTTPProxy method
// to pick up when req_conf.DoH is set.
func WithResolver(ctx context.Context, r Resolver) context.Context {
	return context.WithValue(ctx, resolverCtxKey{}, r)
}

// resolverFromContext retrieves the Resolver attached by WithResolver, if
// any.
func resolverFromContext(ctx context.Context) (Resolver, bool) {
	r, ok := ctx.Value(resolverCtxKey{}).(Resolver)
	return r, ok
}
