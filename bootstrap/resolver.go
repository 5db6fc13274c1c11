// Package bootstrap orchestrates socket connect/listen, channel
// construction, and TLS handler insertion (spec §4.6).
//
// Grounded on the teacher's serve()/loopAccept (kevwan-evio evio_linux.go)
// for the listener/accept side, generalized to compose the channel +
// handler pipeline spec §4.6 describes instead of evio's flat Events
// callback set.
package bootstrap

import (
	"context"
	"net"
)

// Resolver is the DNS host-resolution collaborator (spec §1 out of
// scope, spec §6 "Host resolver: resolve(name) → address_list async with
// a callback"). A stdlib-backed default is provided since callers need
// one even though resolution itself is not core-runtime logic.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DefaultResolver resolves via the standard library's net.Resolver.
type DefaultResolver struct {
	Inner *net.Resolver
}

func NewDefaultResolver() *DefaultResolver {
	return &DefaultResolver{Inner: net.DefaultResolver}
}

func (r *DefaultResolver) Resolve(ctx context.Context, host string) ([]net.IPAddr, error) {
	return r.Inner.LookupIPAddr(ctx, host)
}
