package ixfr

import "github.com/miekg/dns"

// makeRRSlice parses a batch of presentation-format RRs, panicking on a
// malformed literal since every caller is a test passing a fixed string.
func makeRRSlice(rrs ...string) []dns.RR {
	out := make([]dns.RR, len(rrs))
	for i, s := range rrs {
		rr, err := dns.NewRR(s)
		if err != nil {
			panic("ixfr: malformed test RR literal: " + s)
		}
		out[i] = rr
	}
	return out
}

// rrEquals reports whether a and b hold the same multiset of records,
// compared by presentation-format string so differing whitespace/casing in
// the literal doesn't matter.
func rrEquals(a, b []dns.RR) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, rr := range a {
		if rr == nil {
			continue
		}
		counts[rr.String()]++
	}
	for _, rr := range b {
		if rr == nil {
			continue
		}
		s := rr.String()
		if counts[s] == 0 {
			return false
		}
		counts[s]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}
