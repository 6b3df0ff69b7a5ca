package ipset

import (
	"encoding/json"
	"sort"
)

// Set is an authorization / allowed-IPs set: a sorted, duplicate-free list
// of CIDRs per address family. Overlapping entries (a network and a subnet
// of it) are kept as separate entries and are not merged. Membership of a
// candidate CIDR is tested by
// binary search for the nearest network whose address is ≤ the candidate's,
// then checking containment.
type Set struct {
	V4 []CIDR
	V6 []CIDR
}

func NewSet(cidrs ...CIDR) Set {
	var s Set
	for _, c := range cidrs {
		s.Add(c)
	}
	return s
}

func (s Set) familySlice(f Family) []CIDR {
	if f == V4 {
		return s.V4
	}
	return s.V6
}

func (s *Set) setFamilySlice(f Family, v []CIDR) {
	if f == V4 {
		s.V4 = v
	} else {
		s.V6 = v
	}
}

// Add inserts c into the set, keeping it sorted. It does not collapse
// overlaps — callers that need a minimal authorization set should construct
// it that way; Contains works correctly with overlapping entries regardless.
func (s *Set) Add(c CIDR) {
	list := s.familySlice(c.Family)
	i := sort.Search(len(list), func(i int) bool { return !list[i].Less(c) })
	if i < len(list) && list[i].Equal(c) {
		return
	}
	list = append(list, CIDR{})
	copy(list[i+1:], list[i:])
	list[i] = c
	s.setFamilySlice(c.Family, list)
}

// Contains reports whether candidate is entirely contained within at least
// one CIDR in s — the authorization test of spec.md §3. Entries that could
// contain candidate sort at or before it (a containing network's address is
// ≤ candidate's), so the search only needs to walk backward from the
// insertion point.
func (s Set) Contains(candidate CIDR) bool {
	list := s.familySlice(candidate.Family)
	i := sort.Search(len(list), func(i int) bool { return !list[i].Less(candidate) })
	if i < len(list) && list[i].Contains(candidate) {
		return true
	}
	for j := i - 1; j >= 0; j-- {
		if list[j].Contains(candidate) {
			return true
		}
	}
	return false
}

// Filter returns candidate if it survives containment in s, else false.
func (s Set) Filter(candidate CIDR) (CIDR, bool) {
	if s.Contains(candidate) {
		return candidate, true
	}
	return CIDR{}, false
}

// Union returns a new Set containing every CIDR from s and other, deduped.
func (s Set) Union(other Set) Set {
	result := NewSet()
	for _, c := range s.V4 {
		result.Add(c)
	}
	for _, c := range s.V6 {
		result.Add(c)
	}
	for _, c := range other.V4 {
		result.Add(c)
	}
	for _, c := range other.V6 {
		result.Add(c)
	}
	return result
}

// Subtract returns the CIDRs in s that do not appear (by exact value) in other.
func (s Set) Subtract(other Set) Set {
	skip := func(c CIDR, against []CIDR) bool {
		for _, o := range against {
			if c.Equal(o) {
				return true
			}
		}
		return false
	}
	result := NewSet()
	for _, c := range s.V4 {
		if !skip(c, other.V4) {
			result.Add(c)
		}
	}
	for _, c := range s.V6 {
		if !skip(c, other.V6) {
			result.Add(c)
		}
	}
	return result
}

// All returns every CIDR in canonical order: v4 then v6, each by network
// then prefix — the ordering spec.md §4.D phase 5 requires of output peers.
func (s Set) All() []CIDR {
	out := make([]CIDR, 0, len(s.V4)+len(s.V6))
	out = append(out, s.V4...)
	out = append(out, s.V6...)
	return out
}

func (s Set) Len() int {
	return len(s.V4) + len(s.V6)
}

func (s Set) Equal(other Set) bool {
	if len(s.V4) != len(other.V4) || len(s.V6) != len(other.V6) {
		return false
	}
	for i := range s.V4 {
		if !s.V4[i].Equal(other.V4[i]) {
			return false
		}
	}
	for i := range s.V6 {
		if !s.V6[i].Equal(other.V6[i]) {
			return false
		}
	}
	return true
}

func (s Set) Clone() Set {
	v4 := make([]CIDR, len(s.V4))
	copy(v4, s.V4)
	v6 := make([]CIDR, len(s.V6))
	copy(v6, s.V6)
	return Set{V4: v4, V6: v6}
}

// MarshalJSON encodes s as a flat string array, matching how source configs list
// ipv4/ipv6 CIDRs as plain string slices.
func (s Set) MarshalJSON() ([]byte, error) {
	all := s.All()
	strs := make([]string, len(all))
	for i, c := range all {
		strs[i] = c.String()
	}
	return json.Marshal(strs)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return err
	}
	*s = NewSet()
	for _, str := range strs {
		c, err := Parse(str)
		if err != nil {
			return err
		}
		s.Add(c)
	}
	return nil
}
