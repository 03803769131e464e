package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ResourceSet is a deduplicated set of resource names (groups, teams) in one system.
type ResourceSet map[string]struct{}

func NewResourceSet(names ...string) ResourceSet {
	rs := make(ResourceSet, len(names))
	for _, n := range names {
		rs[n] = struct{}{}
	}
	return rs
}

func (rs ResourceSet) Has(name string) bool {
	_, ok := rs[name]
	return ok
}

func (rs ResourceSet) Sorted() []string {
	out := make([]string, 0, len(rs))
	for n := range rs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Entitlement is one (system, resource) pair.
type Entitlement struct {
	System   string `json:"system"`
	Resource string `json:"resource"`
}

// EntitlementSet maps target system to the resources held there.
// Systems with no resources are treated as absent.
type EntitlementSet map[string]ResourceSet

func NewEntitlementSet() EntitlementSet { return EntitlementSet{} }

func (s EntitlementSet) Add(system, resource string) {
	rs, ok := s[system]
	if !ok {
		rs = ResourceSet{}
		s[system] = rs
	}
	rs[resource] = struct{}{}
}

func (s EntitlementSet) Has(system, resource string) bool {
	return s[system].Has(resource)
}

// Union merges other into s.
func (s EntitlementSet) Union(other EntitlementSet) {
	for system, rs := range other {
		for r := range rs {
			s.Add(system, r)
		}
	}
}

// Intersect returns the entitlements present in both sets.
func (s EntitlementSet) Intersect(other EntitlementSet) EntitlementSet {
	out := EntitlementSet{}
	for system, rs := range s {
		for r := range rs {
			if other.Has(system, r) {
				out.Add(system, r)
			}
		}
	}
	return out
}

func (s EntitlementSet) Clone() EntitlementSet {
	out := make(EntitlementSet, len(s))
	for system, rs := range s {
		if len(rs) == 0 {
			continue
		}
		cp := make(ResourceSet, len(rs))
		for r := range rs {
			cp[r] = struct{}{}
		}
		out[system] = cp
	}
	return out
}

func (s EntitlementSet) Len() int {
	n := 0
	for _, rs := range s {
		n += len(rs)
	}
	return n
}

func (s EntitlementSet) IsEmpty() bool { return s.Len() == 0 }

// Equal compares set contents; empty systems are ignored.
func (s EntitlementSet) Equal(other EntitlementSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for system, rs := range s {
		for r := range rs {
			if !other.Has(system, r) {
				return false
			}
		}
	}
	return true
}

// Systems returns the non-empty systems in lexicographic order.
func (s EntitlementSet) Systems() []string {
	out := make([]string, 0, len(s))
	for system, rs := range s {
		if len(rs) > 0 {
			out = append(out, system)
		}
	}
	sort.Strings(out)
	return out
}

// Sorted lists entitlements ordered by system, then resource.
func (s EntitlementSet) Sorted() []Entitlement {
	out := make([]Entitlement, 0, s.Len())
	for _, system := range s.Systems() {
		for _, r := range s[system].Sorted() {
			out = append(out, Entitlement{System: system, Resource: r})
		}
	}
	return out
}

// MarshalJSON renders {"system":["a","b"]} with sorted keys and values so identical
// sets always serialize to identical bytes.
func (s EntitlementSet) MarshalJSON() ([]byte, error) {
	raw := make(map[string][]string, len(s))
	for _, system := range s.Systems() {
		raw[system] = s[system].Sorted()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(b)
}

func (s *EntitlementSet) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := EntitlementSet{}
	for system, names := range raw {
		for _, n := range names {
			out.Add(system, n)
		}
	}
	*s = out
	return nil
}

// Hash is the sha256 of the canonical JSON form.
func (s EntitlementSet) Hash() string {
	b, err := s.MarshalJSON()
	if err != nil {
		return ""
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
