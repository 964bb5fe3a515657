package resolver

// staticResolver is a pull-mode resolver that always answers with the same
// endpoint list: the literal IPv4/IPv6/Unix/VSOCK resolvers from the
// specification all reduce to this one implementation, since they differ
// only in how the caller constructed the Address values.
type staticResolver struct {
	result Result
}

// NewStaticResolver wraps a fixed endpoint list (and optional service
// config) as a pull-mode Resolver.
func NewStaticResolver(endpoints []Endpoint, serviceConfig *ServiceConfig) (Resolver, error) {
	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
	}
	return &staticResolver{result: Result{Endpoints: endpoints, ServiceConfig: serviceConfig}}, nil
}

func (s *staticResolver) Resolve() (Result, error) { return s.result, nil }
func (s *staticResolver) Updates() <-chan Result    { return nil }
func (s *staticResolver) Close()                    {}

// StaticFactory registers literal-address-list resolvers under a given
// scheme. Use one instance per scheme ("ipv4", "ipv6", "unix", "vsock");
// the convert function given to NewStaticFactory decides how to turn the target's opaque Value into
// addresses for that scheme.
type StaticFactory struct {
	scheme  string
	convert func(value string) ([]Endpoint, error)
}

// NewStaticFactory builds a Factory for scheme that parses a target's
// Value with convert.
func NewStaticFactory(scheme string, convert func(value string) ([]Endpoint, error)) *StaticFactory {
	return &StaticFactory{scheme: scheme, convert: convert}
}

func (f *StaticFactory) Scheme() string { return f.scheme }

func (f *StaticFactory) Build(target ResolvableTarget) (Resolver, error) {
	t, ok := target.(Target)
	if !ok {
		return nil, &schemeMismatchError{want: f.scheme}
	}
	endpoints, err := f.convert(t.Value)
	if err != nil {
		return nil, err
	}
	return NewStaticResolver(endpoints, nil)
}

type schemeMismatchError struct{ want string }

func (e *schemeMismatchError) Error() string {
	return "resolver: target is not a resolver.Target understood by scheme " + e.want
}
