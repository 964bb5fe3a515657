package resolver

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// MethodName identifies the methods a MethodConfig applies to; an empty
// Method applies to every method of Service, and an empty Service applies
// to every method on the channel.
type MethodName struct {
	Service string `json:"service"`
	Method  string `json:"method,omitempty"`
}

// RetryPolicy is a method's retry configuration, carried through from
// service config unchanged by this package (retry execution itself is
// outside the five core components).
type RetryPolicy struct {
	MaxAttempts          int      `json:"maxAttempts"`
	InitialBackoff       string   `json:"initialBackoff,omitempty"`
	MaxBackoff           string   `json:"maxBackoff,omitempty"`
	BackoffMultiplier    float64  `json:"backoffMultiplier,omitempty"`
	RetryableStatusCodes []string `json:"retryableStatusCodes,omitempty"`
}

// MethodConfig configures the methods matched by Name.
type MethodConfig struct {
	Name        []MethodName `json:"name"`
	Timeout     string       `json:"timeout,omitempty"`
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
}

// ServiceConfig is the resolved configuration for a channel: a set of
// per-method configs. Client-side retry throttling settings are not
// represented and are ignored when parsing.
type ServiceConfig struct {
	MethodConfig []MethodConfig `json:"methodConfig,omitempty"`
}

// MethodConfigFor returns the most specific MethodConfig matching service
// and method: an exact (service, method) match wins, then a
// (service, "") match, then the first ("", "") default entry, then nil.
func (sc *ServiceConfig) MethodConfigFor(service, method string) *MethodConfig {
	if sc == nil {
		return nil
	}
	var serviceOnly, fallback *MethodConfig
	for i := range sc.MethodConfig {
		mc := &sc.MethodConfig[i]
		for _, n := range mc.Name {
			if n.Service == "" && n.Method == "" && fallback == nil {
				fallback = mc
			}
			if n.Service != service {
				continue
			}
			if n.Method == method {
				return mc
			}
			if n.Method == "" {
				serviceOnly = mc
			}
		}
	}
	if serviceOnly != nil {
		return serviceOnly
	}
	return fallback
}

// serviceConfigLanguageTag is the per-language tag this implementation's
// DNS choice selector recognizes, resolving the specification's open
// question (the original implementation used "swift").
const serviceConfigLanguageTag = "go"

// serviceConfigChoice is one entry of a `grpc_config=` TXT record's JSON
// array: a candidate ServiceConfig gated by client languages, hostnames,
// and a random percentage draw.
type serviceConfigChoice struct {
	ClientLanguage []string        `json:"clientLanguage,omitempty"`
	Percentage     *int            `json:"percentage,omitempty"`
	ClientHostname []string        `json:"clientHostname,omitempty"`
	ServiceConfig  json.RawMessage `json:"serviceConfig"`
}

func (c serviceConfigChoice) matchesLanguage() bool {
	if len(c.ClientLanguage) == 0 {
		return true
	}
	for _, l := range c.ClientLanguage {
		if l == serviceConfigLanguageTag {
			return true
		}
	}
	return false
}

func (c serviceConfigChoice) matchesHostname(localHostname string) bool {
	if len(c.ClientHostname) == 0 {
		return true
	}
	for _, h := range c.ClientHostname {
		if h == localHostname {
			return true
		}
	}
	return false
}

func (c serviceConfigChoice) matchesPercentage() (bool, error) {
	pct := 100
	if c.Percentage != nil {
		pct = *c.Percentage
	}
	draw, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return false, fmt.Errorf("resolver: percentage draw: %w", err)
	}
	// draw is uniform over [0,99]; treat it as the 1..100 draw the
	// specification describes by adding one.
	return int(draw.Int64())+1 <= pct, nil
}

// ParseServiceConfigChoices parses a `grpc_config=` TXT record value (the
// JSON array itself, with the `grpc_config=` prefix already stripped) and
// returns the first choice whose language, hostname, and percentage gates
// all pass, selecting against localHostname.
func ParseServiceConfigChoices(jsonArray, localHostname string) (*ServiceConfig, error) {
	var choices []serviceConfigChoice
	if err := json.Unmarshal([]byte(jsonArray), &choices); err != nil {
		return nil, fmt.Errorf("resolver: parsing service config choices: %w", err)
	}
	for _, choice := range choices {
		if !choice.matchesLanguage() || !choice.matchesHostname(localHostname) {
			continue
		}
		ok, err := choice.matchesPercentage()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var sc ServiceConfig
		if err := json.Unmarshal(choice.ServiceConfig, &sc); err != nil {
			return nil, fmt.Errorf("resolver: parsing selected service config: %w", err)
		}
		return &sc, nil
	}
	return nil, nil
}

// localHostname returns os.Hostname's value, or "" if it cannot be
// determined -- an empty hostname simply never matches a non-empty
// ClientHostname gate, which is the conservative behavior.
func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return strings.ToLower(h)
}
