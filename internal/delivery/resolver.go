// Package delivery implements outbound SMTP: MX resolution, per-domain
// connection limits, opportunistic TLS, and the worker pool that drains
// the queue.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"strings"
)

// Resolver is the DNS surface used for MX resolution. Both *net.Resolver
// and test resolvers satisfy it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// maxMXHosts caps how many MX hosts a single attempt will walk through.
const maxMXHosts = 5

// errNoMX means the domain has no MX records and no usable A fallback.
// Callers translate it into a permanent 550.
var errNoMX = errors.New("no MX records")

// resolveMXs returns candidate hosts for a domain, best preference first.
// Hosts with equal preference come back in random order. When the domain
// has no MX records and fallbackToA is set, the domain itself is used if
// it resolves to an address.
func resolveMXs(ctx context.Context, r Resolver, domain string, fallbackToA bool) ([]string, error) {
	mxs, err := r.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return nil, fmt.Errorf("resolving MX for %s: %w", domain, err)
		}
		mxs = nil
	}

	if len(mxs) == 0 {
		if !fallbackToA {
			return nil, errNoMX
		}
		if _, err := r.LookupHost(ctx, domain); err != nil {
			return nil, errNoMX
		}
		return []string{domain}, nil
	}

	// Shuffle before the stable sort so equal preferences end up in
	// random order.
	rand.Shuffle(len(mxs), func(i, j int) { mxs[i], mxs[j] = mxs[j], mxs[i] })
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })

	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
		if len(hosts) == maxMXHosts {
			break
		}
	}
	if len(hosts) == 0 {
		return nil, errNoMX
	}
	return hosts, nil
}
