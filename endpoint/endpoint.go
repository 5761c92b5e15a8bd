// Package endpoint models remote service endpoints, the dynamic
// endpoint group that tracks a live set of them, and the selection
// strategies (round-robin, weighted round-robin) used to pick one.
package endpoint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultWeight is used when an endpoint's authority carries no
// explicit weight.
const DefaultWeight = 1000

// Endpoint is an immutable value identifying a remote service instance
// or a logical group of them (§3).
type Endpoint struct {
	Authority string // host[:port]
	IP        string // resolved address, optional
	Weight    int    // default DefaultWeight
	IsGroup   bool   // true for a logical group rather than a single host
}

// New constructs a single Endpoint for authority with the default
// weight.
func New(authority string) Endpoint {
	return Endpoint{Authority: authority, Weight: DefaultWeight}
}

// WithWeight returns a copy of e with the given weight.
func (e Endpoint) WithWeight(w int) Endpoint {
	e.Weight = w
	return e
}

// WithIP returns a copy of e with the resolved IP address set.
func (e Endpoint) WithIP(ip string) Endpoint {
	e.IP = ip
	return e
}

// Parse decodes the external endpoint syntax (§6): host[:port[:weight]].
// Port absent defaults to defaultPort (caller supplies the protocol
// default, e.g. 80 or 443); weight absent defaults to DefaultWeight.
func Parse(s string, defaultPort int) (Endpoint, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Endpoint{Authority: fmt.Sprintf("%s:%d", parts[0], defaultPort), Weight: DefaultWeight}, nil
	case 2:
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint: invalid port in %q: %w", s, err)
		}
		return Endpoint{Authority: parts[0] + ":" + parts[1], Weight: DefaultWeight}, nil
	case 3:
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint: invalid port in %q: %w", s, err)
		}
		w, err := strconv.Atoi(parts[2])
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint: invalid weight in %q: %w", s, err)
		}
		return Endpoint{Authority: parts[0] + ":" + parts[1], Weight: w}, nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint: malformed authority %q", s)
	}
}

// Less orders endpoints by authority then weight, giving the stable
// ordering spec.md §3 requires for snapshots communicated by value.
func Less(a, b Endpoint) bool {
	if a.Authority != b.Authority {
		return a.Authority < b.Authority
	}
	return a.Weight < b.Weight
}

// Sort sorts a slice of endpoints in place using Less.
func Sort(endpoints []Endpoint) {
	sort.Slice(endpoints, func(i, j int) bool {
		return Less(endpoints[i], endpoints[j])
	})
}

// Sorted returns a freshly sorted copy of endpoints, leaving the input
// untouched.
func Sorted(endpoints []Endpoint) []Endpoint {
	out := make([]Endpoint, len(endpoints))
	copy(out, endpoints)
	Sort(out)
	return out
}

// Equal reports whether two sorted endpoint slices are identical.
func Equal(a, b []Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
