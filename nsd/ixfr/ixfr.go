// Package ixfr turns an IXFR/AXFR response into the add/delete diff
// sequences spec §4.I's journal replays, following the wire shape laid out
// in RFC 1995 §4: an IXFR answer section is a run of (old-SOA, deleted...,
// new-SOA, added...) blocks, bracketed by the transfer's own initial and
// final SOA.
package ixfr

import (
	"log"
	"os"

	"github.com/miekg/dns"
)

var pkgLogger = log.New(os.Stderr, "ixfr: ", log.LstdFlags)

// SetLogger redirects this package's diagnostic output, mirroring the
// server's own single-construction logging discipline (nsd/logging.go)
// without importing it directly (nsd imports ixfr, not the reverse).
func SetLogger(l *log.Logger) {
	if l != nil {
		pkgLogger = l
	}
}

// Ixfr is one parsed transfer: either a full zone (IsAxfr) or a chain of
// DiffSequences bracketed by InitialSOASerial/FinalSOASerial.
type Ixfr struct {
	InitialSOASerial uint32
	FinalSOASerial   uint32
	IsAxfr           bool
	DiffSequences    []DiffSequence
	AxfrRRs          []dns.RR
}

// AddDiffSequence appends one more (old-SOA, deleted, new-SOA, added) block.
func (ix *Ixfr) AddDiffSequence(ds DiffSequence) {
	ix.DiffSequences = append(ix.DiffSequences, ds)
}

// Equals reports whether two parsed transfers carry the same serials and
// an equal (order-independent) sequence of diffs.
func (ix *Ixfr) Equals(other Ixfr) bool {
	if ix.InitialSOASerial != other.InitialSOASerial || ix.FinalSOASerial != other.FinalSOASerial {
		return false
	}
	if len(ix.DiffSequences) != len(other.DiffSequences) {
		return false
	}
	for i, s := range ix.DiffSequences {
		if !s.Equals(other.DiffSequences[i]) {
			return false
		}
	}
	return true
}

// IxfrFromResponse classifies a transfer response and, for IXFR, splits its
// answer section into diff sequences. An AXFR-style fallback (no interior
// SOA bracketing the first RR) is detected per RFC 1995 §2 and returned
// with IsAxfr set instead of panicking on malformed input, since a
// primary downgrading IXFR to AXFR is expected behaviour (spec §4.H step
// 4), not an error.
func IxfrFromResponse(rsp *dns.Msg) Ixfr {
	ix := Ixfr{DiffSequences: []DiffSequence{}}
	if len(rsp.Answer) == 0 {
		return ix
	}
	firstSOA, ok := rsp.Answer[0].(*dns.SOA)
	if !ok {
		return ix
	}
	ix.FinalSOASerial = firstSOA.Serial

	if len(rsp.Answer) < 2 {
		ix.IsAxfr = true
		ix.AxfrRRs = rsp.Answer
		return ix
	}
	if _, ok := rsp.Answer[1].(*dns.SOA); !ok {
		ix.IsAxfr = true
		ix.AxfrRRs = rsp.Answer
		return ix
	}

	isAdding := true
	var cur DiffSequence
	for i, rr := range rsp.Answer {
		soa, isSOA := rr.(*dns.SOA)
		if !isSOA {
			if isAdding {
				cur.AddedRecords = append(cur.AddedRecords, rr)
			} else {
				cur.DeletedRecords = append(cur.DeletedRecords, rr)
			}
			continue
		}
		if i == 0 {
			continue // the envelope's own final-SOA bracket, already recorded above
		}
		if isAdding {
			if i == 1 {
				ix.InitialSOASerial = soa.Serial
			} else {
				ix.DiffSequences = append(ix.DiffSequences, cur)
				if i == len(rsp.Answer)-1 {
					break // the envelope's closing SOA ends the transfer
				}
			}
			cur = CreateDiffSequence(soa.Serial, 0)
		} else {
			cur.EndSOASerial = soa.Serial
		}
		isAdding = !isAdding
	}
	if !isAdding {
		qname := ""
		if len(rsp.Question) > 0 {
			qname = rsp.Question[0].Name
		}
		pkgLogger.Printf("truncated diff sequence in response for %s: missing closing SOA", qname)
	}
	return ix
}

// GetCompressed collapses every diff sequence into one net add/delete set,
// cancelling out records that were both deleted and re-added unchanged.
func (ix *Ixfr) GetCompressed() DiffSequence {
	tmp := CreateDiffSequence(0, 1)
	for _, ds := range ix.DiffSequences {
		tmp.AddedRecords = append(tmp.AddedRecords, ds.AddedRecords...)
		tmp.DeletedRecords = append(tmp.DeletedRecords, ds.DeletedRecords...)
	}
	return DiffSequence{
		StartSOASerial: ix.InitialSOASerial,
		EndSOASerial:   ix.FinalSOASerial,
		AddedRecords:   tmp.GetAdded(),
		DeletedRecords: tmp.GetDeleted(),
	}
}

// GetAdded returns the net set of records added across the whole transfer.
func (ix *Ixfr) GetAdded() []dns.RR { return ix.GetCompressed().GetAdded() }

// GetDeleted returns the net set of records removed across the whole transfer.
func (ix *Ixfr) GetDeleted() []dns.RR { return ix.GetCompressed().GetDeleted() }
