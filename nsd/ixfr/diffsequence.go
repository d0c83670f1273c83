package ixfr

import (
	"fmt"

	"github.com/miekg/dns"
)

// DiffSequence is one (old-SOA, deleted, new-SOA, added) block of a
// transfer, per RFC 1995 §4.
type DiffSequence struct {
	StartSOASerial uint32
	EndSOASerial   uint32
	AddedRecords   []dns.RR
	DeletedRecords []dns.RR
}

// CreateDiffSequence returns an empty sequence bracketed by the given
// serials.
func CreateDiffSequence(soaStart, soaEnd uint32) DiffSequence {
	return DiffSequence{
		StartSOASerial: soaStart,
		EndSOASerial:   soaEnd,
		AddedRecords:   []dns.RR{},
		DeletedRecords: []dns.RR{},
	}
}

// Equals reports whether two sequences carry the same serials and the same
// multiset of added/deleted records, irrespective of order.
func (ds *DiffSequence) Equals(other DiffSequence) bool {
	if ds.StartSOASerial != other.StartSOASerial || ds.EndSOASerial != other.EndSOASerial {
		return false
	}
	return rrEquals(ds.AddedRecords, other.AddedRecords) && rrEquals(ds.DeletedRecords, other.DeletedRecords)
}

// AddAdded parses rrStr and appends it to AddedRecords.
func (ds *DiffSequence) AddAdded(rrStr string) error {
	rr, err := dns.NewRR(rrStr)
	if err != nil {
		return fmt.Errorf("ixfr: parse added record %q: %w", rrStr, err)
	}
	ds.AddedRecords = append(ds.AddedRecords, rr)
	return nil
}

// AddDeleted parses rrStr and appends it to DeletedRecords.
func (ds *DiffSequence) AddDeleted(rrStr string) error {
	rr, err := dns.NewRR(rrStr)
	if err != nil {
		return fmt.Errorf("ixfr: parse deleted record %q: %w", rrStr, err)
	}
	ds.DeletedRecords = append(ds.DeletedRecords, rr)
	return nil
}

// GetAdded returns AddedRecords with anything also present in
// DeletedRecords cancelled out, one-for-one by (owner, type).
func (ds *DiffSequence) GetAdded() []dns.RR {
	return ds.netDifference(ds.AddedRecords, ds.DeletedRecords)
}

// GetDeleted returns DeletedRecords with anything also present in
// AddedRecords cancelled out, one-for-one by (owner, type).
func (ds *DiffSequence) GetDeleted() []dns.RR {
	return ds.netDifference(ds.DeletedRecords, ds.AddedRecords)
}

// netDifference computes the set difference a\b, matching records by
// "owner+type" rather than full equality: if an NS at example.com was
// deleted and a different NS at example.com was added, both count toward
// the same key and only the surplus on each side survives. This mirrors
// NSD's own IXFR-apply behaviour of treating same-type records at the same
// owner as a replacement set rather than pairwise adds/deletes.
//
// When the counts under one key differ (e.g. 2 NS deleted, 3 NS added),
// only the counts are balanced: the records of a that get cancelled are
// its earliest ones under that key, whatever their rdata.
func (ds *DiffSequence) netDifference(a, b []dns.RR) []dns.RR {
	remaining := make(map[string][]string, len(a))
	for _, rr := range a {
		key := rrsetKey(rr)
		remaining[key] = append(remaining[key], rr.String())
	}
	for _, rr := range b {
		key := rrsetKey(rr)
		slice, ok := remaining[key]
		if !ok || len(slice) == 0 {
			continue
		}
		remaining[key] = slice[1:]
		if len(remaining[key]) == 0 {
			delete(remaining, key)
		}
	}

	var out []dns.RR
	for _, strs := range remaining {
		for _, s := range strs {
			rr, err := dns.NewRR(s)
			if err != nil {
				// strs came from rr.String() moments ago; a re-parse
				// failure here means the RR type can't round-trip through
				// its own presentation form, which dns.NewRR guarantees
				// against for anything AddAdded/AddDeleted accepted.
				continue
			}
			out = append(out, rr)
		}
	}
	return out
}

func rrsetKey(rr dns.RR) string {
	return fmt.Sprintf("%s+%d", rr.Header().Name, rr.Header().Rrtype)
}
