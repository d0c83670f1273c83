package nsd

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Zones is the global, process-wide map from apex name (presentation form,
// lowercased) to ZoneData. Constructed once at startup and threaded through
// every handler by reference rather than accessed as a bare global wherever
// avoidable (§9 DESIGN NOTES: "construct once during startup, thread an
// explicit context through every handler").
var Zones = cmap.New[*Zone]()

// GlobalStuff mirrors the teacher's single long-lived struct of
// process-wide, rarely-mutated state (logger, config, RRL table).
type GlobalStuff struct {
	Logger  *log.Logger
	Config  *Config
	RRL     *RRLTable
	App     AppType
	Verbose bool
}

var Globals = GlobalStuff{}

type AppType uint8

const (
	AppServer AppType = iota
)

// ZoneType distinguishes primary (authoritative source of truth served from
// a zonefile) from secondary (populated only by xfr) zones.
type ZoneType uint8

const (
	ZoneTypePrimary ZoneType = iota
	ZoneTypeSecondary
)

// CatalogRole mirrors spec §4.J: a zone is a catalog consumer, a catalog
// producer, or an ordinary zone.
type CatalogRole uint8

const (
	CatalogNone CatalogRole = iota
	CatalogConsumer
	CatalogProducer
)

// Zone is spec §3's "Zone" record: identified by its apex dname, holding
// the apex node, bookkeeping flags, and the zone's slice of the shared
// NameTree plus a DomainTable for direct name lookup.
type Zone struct {
	mu sync.RWMutex

	Apex     *Name
	ApexName string // lowercased presentation form, used as the Zones map key

	Type       ZoneType
	Tree       *NameTree // dedicated per-zone tree (§4.B: "zone subtrees are contiguous")
	Domains    map[string]*Domain
	SOA        dns.RR
	NameServers []dns.RR

	IsOK      bool
	IsUpdated bool
	IsChecked bool
	IsBad     bool
	BadReason string

	FromCatalog bool

	Options map[ZoneOption]bool

	Catalog        CatalogRole
	CatalogApex    string // for consumers: the catalog this zone mirrors; for producers: own apex
	ProducerZone   string // for consumer-derived zones: which producer/pattern created them
	MemberPattern  string

	Primaries    []ACLEntry
	Notify       []ACLEntry
	AllowNotify  []ACLEntry
	AllowAXFRFallback bool
	MultiPrimaryCheck bool
	RRLWhitelist  map[RRLType]bool

	IxfrChain []IxfrRecord

	Logger *log.Logger
}

// ACLEntry is an address (optionally masked) plus an optional TSIG key name
// used to authenticate NOTIFY/AXFR/IXFR peers (spec §6.4).
type ACLEntry struct {
	Address string
	KeyName string
}

// IxfrRecord is one applied incremental transfer, kept for IXFR-out replay.
type IxfrRecord struct {
	FromSerial uint32
	ToSerial   uint32
	Removed    []RRset
	Added      []RRset
}

// RRset is spec §3's RRset: all RRs sharing (owner, class, type).
type RRset struct {
	Name   string
	RRtype uint16
	TTL    uint32
	RRs    []dns.RR
}

// Domain is spec §3's "Domain node": a node that owns zero or more RRsets.
type Domain struct {
	Name string // lowercased presentation form

	RRtypes map[uint16]*RRset

	IsDelegation  bool
	IsWildcard    bool // this node is literally "*"
	WildcardChild bool // a "*" child exists directly under this node
	RefCount      int
}

func newDomain(name string) *Domain {
	return &Domain{Name: name, RRtypes: make(map[uint16]*RRset)}
}

// NewZone constructs an empty zone ready for population, per §9's
// "construct once" discipline — callers should not build Zone by hand.
func NewZone(apexStr string) (*Zone, error) {
	apex, err := MakeNameFromString(apexStr)
	if err != nil {
		return nil, fmt.Errorf("bad apex %q: %w", apexStr, err)
	}
	return &Zone{
		Apex:         apex,
		ApexName:     foldString(apexStr),
		Tree:         NewNameTree(),
		Domains:      make(map[string]*Domain),
		Options:      make(map[ZoneOption]bool),
		RRLWhitelist: make(map[RRLType]bool),
		Logger:       Globals.Logger,
	}, nil
}

// foldString returns the case-folded, trailing-dot-stripped form of a
// presentation-format name, used uniformly as the key for Zones and
// Zone.Domains so lookups never have to guess which form a caller used.
func foldString(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	b := []byte(s)
	for i := range b {
		b[i] = foldByte(b[i])
	}
	return string(b)
}

// FindOrCreateDomain implements §4.C's find_or_create_domain. A name whose
// leftmost label is "*" marks both itself (IsWildcard) and its immediate
// parent (WildcardChild), the two flags resolveInZone's RFC 4592
// closest-encloser check relies on to find a wildcard without having to
// probe "*.<name>" against the domain table on every miss.
func (z *Zone) FindOrCreateDomain(name string) *Domain {
	z.mu.Lock()
	defer z.mu.Unlock()
	key := foldString(name)
	if d, ok := z.Domains[key]; ok {
		return d
	}
	d := newDomain(key)
	z.Domains[key] = d
	n, _ := MakeNameFromString(name)
	if n != nil {
		z.Tree.Insert(n.CanonicalKey(), &Leaf{Name: n, Zone: z, Dom: d})
	}
	if idx := strings.IndexByte(key, '.'); idx == 0 || key == "*" || (idx > 0 && key[:idx] == "*") {
		d.IsWildcard = true
		parentKey := ""
		if idx > 0 {
			parentKey = key[idx+1:]
		}
		if parent, ok := z.Domains[parentKey]; ok {
			parent.WildcardChild = true
		}
	}
	return d
}

// AddRR implements §4.C's add_rr: dedup within the RRset, enforce equal-TTL,
// reject class mismatch (class is assumed IN throughout, validated by the
// caller at decode time) and CNAME-coexistence violations.
func (z *Zone) AddRR(dom *Domain, rr dns.RR) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	t := rr.Header().Rrtype
	if t != dns.TypeCNAME {
		if _, exists := dom.RRtypes[dns.TypeCNAME]; exists {
			return &Refused{Reason: "CNAME coexistence violation"}
		}
	} else if len(dom.RRtypes) > 0 {
		for existing := range dom.RRtypes {
			if existing != dns.TypeCNAME {
				return &Refused{Reason: "CNAME coexistence violation"}
			}
		}
	}
	rrs, ok := dom.RRtypes[t]
	if !ok {
		rrs = &RRset{Name: dom.Name, RRtype: t, TTL: rr.Header().Ttl}
		dom.RRtypes[t] = rrs
		dom.RefCount++
	}
	for _, existing := range rrs.RRs {
		if dns.IsDuplicate(existing, rr) {
			return nil // dedup, not an error
		}
	}
	if len(rrs.RRs) > 0 && rrs.TTL != rr.Header().Ttl {
		rr.Header().Ttl = rrs.TTL // store normalises on insert per spec §3
	}
	rrs.RRs = append(rrs.RRs, rr)
	if t == dns.TypeNS && dom.Name != z.ApexName {
		dom.IsDelegation = true
	}
	if t == dns.TypeSOA && dom.Name == z.ApexName {
		z.SOA = rr
	}
	return nil
}

// DeleteRR implements §4.C's delete_rr.
func (z *Zone) DeleteRR(dom *Domain, rr dns.RR) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	t := rr.Header().Rrtype
	rrs, ok := dom.RRtypes[t]
	if !ok {
		return nil
	}
	out := rrs.RRs[:0]
	found := false
	for _, existing := range rrs.RRs {
		if !found && dns.IsDuplicate(existing, rr) {
			found = true
			continue
		}
		out = append(out, existing)
	}
	rrs.RRs = out
	if len(rrs.RRs) == 0 {
		delete(dom.RRtypes, t)
		dom.RefCount--
	}
	if dom.RefCount <= 0 {
		delete(z.Domains, dom.Name)
		n, _ := MakeNameFromString(dom.Name)
		if n != nil {
			z.Tree.Delete(n.CanonicalKey())
		}
	}
	if t == dns.TypeSOA && dom.Name == z.ApexName {
		// zone's apex SOA removed: caller (rrstore) is responsible for
		// dropping the zone from the Zones map per spec §4.C.
		z.SOA = nil
	}
	return nil
}

// IterateZone implements §4.C's iterate_zone: SOA first, then all other RRs
// in canonical name order. It does not stop at sub-zone cuts: a delegation
// point's NS RRset and any glue below it are emitted like other RRs.
func (z *Zone) IterateZone() []dns.RR {
	z.mu.RLock()
	defer z.mu.RUnlock()
	var out []dns.RR
	if z.SOA != nil {
		out = append(out, z.SOA)
	}
	leaf := z.Tree.First()
	for leaf != nil {
		if leaf.Dom.Name != z.ApexName && leaf.Dom.IsDelegation {
			// no special handling: names at and below the cut are not
			// skipped, so the loop below emits them like any other name.
		}
		for rtype, rrs := range leaf.Dom.RRtypes {
			if leaf.Dom.Name == z.ApexName && rtype == dns.TypeSOA {
				continue // already emitted
			}
			out = append(out, rrs.RRs...)
		}
		leaf = z.Tree.SearchClosest(leaf.Key, 1)
	}
	return out
}

// RefreshTimer bundles spec §4.H's per-zone timers.
type RefreshTimer struct {
	Refresh  time.Duration
	Retry    time.Duration
	Expire   time.Duration
	NextSOA  time.Time
	NextExp  time.Time
	RetryCnt int
}
