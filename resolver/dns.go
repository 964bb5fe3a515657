package resolver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const defaultDNSMinInterval = 30 * time.Second

// DNSOption configures a dnsResolver built by NewDNSResolver.
type DNSOption func(*dnsResolver)

// WithDNSServer overrides the resolver used for queries (host:port); the
// default reads /etc/resolv.conf via dns.ClientConfigFromFile.
func WithDNSServer(addr string) DNSOption {
	return func(r *dnsResolver) { r.server = addr }
}

// WithDNSMinInterval overrides the minimum spacing between re-resolutions;
// it defaults to 30s, matching grpc-go's DNS resolver.
func WithDNSMinInterval(d time.Duration) DNSOption {
	return func(r *dnsResolver) { r.minInterval = d }
}

// WithDNSDisableServiceConfig skips the TXT/_grpc_config lookup entirely.
func WithDNSDisableServiceConfig() DNSOption {
	return func(r *dnsResolver) { r.disableServiceConfig = true }
}

// dnsResolver is a push-mode Resolver: Resolve performs a lookup
// synchronously on every call, and a background goroutine started by
// NewDNSResolver repeats the lookup every minInterval and publishes each
// successful result on Updates, whether or not the answer changed.
type dnsResolver struct {
	host                 string
	port                 string
	server               string
	minInterval          time.Duration
	disableServiceConfig bool
	client               *dns.Client

	updates   chan Result
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewDNSResolver builds a push-mode resolver for "host" or "host:port"
// (port defaults to "443"). It performs A and AAAA lookups in parallel and,
// unless disabled, a TXT lookup at _grpc_config.<host> for service config.
func NewDNSResolver(hostport string, opts ...DNSOption) (Resolver, error) {
	host, port := hostport, "443"
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host, port = hostport[:i], hostport[i+1:]
	}
	if host == "" {
		return nil, fmt.Errorf("resolver: empty DNS host")
	}

	r := &dnsResolver{
		host:        host,
		port:        port,
		minInterval: defaultDNSMinInterval,
		client:      &dns.Client{Timeout: 5 * time.Second},
		updates:     make(chan Result, 1),
		closeCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.server == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(cfg.Servers) == 0 {
			r.server = "127.0.0.1:53"
		} else {
			r.server = cfg.Servers[0] + ":" + cfg.Port
		}
	}

	go r.pollLoop()
	return r, nil
}

func (r *dnsResolver) Resolve() (Result, error) {
	return r.lookup()
}

func (r *dnsResolver) Updates() <-chan Result { return r.updates }

func (r *dnsResolver) Close() {
	r.closeOnce.Do(func() { close(r.closeCh) })
}

func (r *dnsResolver) pollLoop() {
	ticker := time.NewTicker(r.minInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			result, err := r.lookup()
			if err != nil {
				continue
			}
			select {
			case r.updates <- result:
			case <-r.closeCh:
				return
			}
		}
	}
}

// lookup performs the A and AAAA queries in parallel, then (optionally)
// the TXT query once both have returned.
// A partial A/AAAA failure -- one family resolves, the other errors --
// fails the whole resolution, per the specification.
func (r *dnsResolver) lookup() (Result, error) {
	type addrResult struct {
		addrs []string
		err   error
	}

	aCh := make(chan addrResult, 1)
	aaaaCh := make(chan addrResult, 1)
	go func() {
		addrs, err := r.queryAddrs(dns.TypeA)
		aCh <- addrResult{addrs, err}
	}()
	go func() {
		addrs, err := r.queryAddrs(dns.TypeAAAA)
		aaaaCh <- addrResult{addrs, err}
	}()

	aRes, aaaaRes := <-aCh, <-aaaaCh
	if aRes.err != nil {
		return Result{}, fmt.Errorf("resolver: A query for %s: %w", r.host, aRes.err)
	}
	if aaaaRes.err != nil {
		return Result{}, fmt.Errorf("resolver: AAAA query for %s: %w", r.host, aaaaRes.err)
	}

	var addresses []Address
	for _, a := range aRes.addrs {
		addresses = append(addresses, Address{Kind: IPv4, Addr: a + ":" + r.port})
	}
	for _, a := range aaaaRes.addrs {
		addresses = append(addresses, Address{Kind: IPv6, Addr: "[" + a + "]:" + r.port})
	}
	if len(addresses) == 0 {
		return Result{}, fmt.Errorf("resolver: no addresses found for %s", r.host)
	}

	result := Result{Endpoints: []Endpoint{{Addresses: addresses}}}

	if !r.disableServiceConfig {
		sc, err := r.queryServiceConfig()
		if err == nil {
			result.ServiceConfig = sc
		}
		// A TXT lookup failure is not fatal to the address resolution:
		// the specification only requires partial-failure propagation
		// between the A and AAAA families.
	}

	return result, nil
}

func (r *dnsResolver) queryAddrs(qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(r.host), qtype)
	in, _, err := r.client.Exchange(msg, r.server)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		}
	}
	return out, nil
}

func (r *dnsResolver) queryServiceConfig() (*ServiceConfig, error) {
	name := "_grpc_config." + r.host
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	in, _, err := r.client.Exchange(msg, r.server)
	if err != nil {
		return nil, err
	}
	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		value := strings.Join(txt.Txt, "")
		const prefix = "grpc_config="
		if !strings.HasPrefix(value, prefix) {
			continue
		}
		sc, err := ParseServiceConfigChoices(strings.TrimPrefix(value, prefix), localHostname())
		if err != nil {
			return nil, err
		}
		if sc != nil {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("resolver: no matching service config choice")
}

// DNSFactory registers NewDNSResolver under the "dns" scheme for use with
// a Registry.
type DNSFactory struct{ opts []DNSOption }

// NewDNSFactory builds a Factory that constructs DNS resolvers with opts
// applied to every target it builds.
func NewDNSFactory(opts ...DNSOption) *DNSFactory { return &DNSFactory{opts: opts} }

func (f *DNSFactory) Scheme() string { return "dns" }

func (f *DNSFactory) Build(target ResolvableTarget) (Resolver, error) {
	t, ok := target.(Target)
	if !ok {
		return nil, &schemeMismatchError{want: "dns"}
	}
	return NewDNSResolver(t.Value, f.opts...)
}
