package nsd

import (
	"crypto/hmac"
	"crypto/sha256"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// specialCHNames answers the CH/TXT probe names spec §4.E step 3 calls out,
// grounded on the teacher's dnshandler.go special-name table.
var specialCHNames = map[string]func(*ServerConf) string{
	"version.bind.":   func(sc *ServerConf) string { return "nsdgo" },
	"id.server.":      func(sc *ServerConf) string { return hostnameOrUnknown() },
	"hostname.bind.":  func(sc *ServerConf) string { return hostnameOrUnknown() },
	"authors.server.": func(sc *ServerConf) string { return "nsdgo contributors" },
}

func hostnameOrUnknown() string {
	h, err := net.LookupCNAME("localhost")
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// ServerCookieSecret signs server cookies per RFC 7873; rotated periodically
// by the supervisor in a production deployment (not modelled here — a single
// process-lifetime secret is sufficient for the scope of this core).
var ServerCookieSecret [16]byte

// HandleQuery implements spec §4.E end to end for one request message. It
// returns the response message to write back, and the RRL classification
// decision already applied (DecisionDrop means: do not write anything).
func HandleQuery(r *dns.Msg, raw []byte, source net.IP, keys *TSIGKeyTable, rrl *RRLTable) (*dns.Msg, Decision) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = true

	// Step 1: decode validation. miekg/dns has already unpacked the message
	// by the time we're called (a message it cannot unpack never reaches the
	// handler); the caller (netio.go) answers FORMERR itself when re-packing
	// the request fails. Here we only validate QDCOUNT==1 for standard
	// queries per spec §4.E step 1.
	if r.Opcode == dns.OpcodeQuery && len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		return m, DecisionPass
	}

	// Step 2: EDNS/TSIG pre-pass.
	var keyName string
	if opt := r.IsEdns0(); opt != nil {
		respOpt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		respOpt.SetUDPSize(opt.UDPSize())
		respOpt.SetVersion(0)
		applyCookie(opt, respOpt, source)
		m.Extra = append(m.Extra, respOpt)
	}
	if tsigRR := r.IsTsig(); tsigRR != nil {
		keyName = tsigRR.Hdr.Name
		if err := VerifyRequest(keys, r, raw); err != nil {
			m.SetRcode(r, dns.RcodeNotAuth)
			return m, DecisionPass
		}
	}

	if len(r.Question) != 1 {
		return m, DecisionPass
	}
	q := r.Question[0]

	if q.Qclass == dns.ClassCHAOS && q.Qtype == dns.TypeTXT {
		if fn, ok := specialCHNames[strings.ToLower(q.Name)]; ok {
			var sc *ServerConf
			if Globals.Config != nil {
				sc = &Globals.Config.Server
			}
			rr := &dns.TXT{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS, Ttl: 0}, Txt: []string{fn(sc)}}
			m.Answer = append(m.Answer, rr)
			m.Authoritative = true
			if keyName != "" {
				SignResponse(keys, m, "", keyName)
			}
			return m, DecisionPass
		}
	}

	// Step 3: zone selection.
	zone, ok := findEnclosingZone(q.Name)
	if !ok {
		m.Rcode = dns.RcodeRefused
		return m, DecisionPass
	}
	m.Authoritative = true

	// Step 4: resolution within zone.
	class, result := resolveInZone(zone, q.Name, q.Qtype)
	applyResolution(m, zone, q, result)

	if keyName != "" {
		SignResponse(keys, m, "", keyName)
	}

	// Step 7: RRL gate.
	whitelisted := zone.RRLWhitelist[class]
	bucketName := classifyName(class, zone.ApexName, result.delegationName, result.wildcardName, strings.ToLower(q.Name))
	decision := rrl.Account(source, class, bucketName, whitelisted)
	if decision == DecisionSlip {
		slipped := new(dns.Msg)
		slipped.SetReply(r)
		slipped.Truncated = true
		slipped.Authoritative = m.Authoritative
		return slipped, DecisionSlip
	}
	return m, decision
}

// applyCookie implements RFC 7873: echo a valid client cookie, mint a fresh
// server cookie otherwise, per spec §4.E step 2.
func applyCookie(reqOpt, respOpt *dns.OPT, source net.IP) {
	for _, o := range reqOpt.Option {
		if c, ok := o.(*dns.EDNS0_COOKIE); ok {
			clientPart := c.Cookie
			if len(clientPart) < 16 {
				continue
			}
			server := makeServerCookie(clientPart[:16], source)
			respOpt.Option = append(respOpt.Option, &dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: clientPart[:16] + server})
			return
		}
	}
}

func makeServerCookie(clientHex string, source net.IP) string {
	mac := hmac.New(sha256.New, ServerCookieSecret[:])
	mac.Write([]byte(clientHex))
	mac.Write(source)
	sum := mac.Sum(nil)
	const hextable = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range sum[:16] {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0xf]
	}
	return string(out)
}

func findEnclosingZone(qname string) (*Zone, bool) {
	name := strings.ToLower(qname)
	for {
		if z, ok := Zones.Get(strings.TrimSuffix(name, ".")); ok {
			return z, true
		}
		idx := strings.IndexByte(name, '.')
		if idx < 0 || idx+1 >= len(name) {
			break
		}
		name = name[idx+1:]
	}
	return nil, false
}

// resolutionResult carries the bits applyResolution and the RRL classifier
// both need, avoiding recomputation of the walk.
type resolutionResult struct {
	answer         []dns.RR
	authority      []dns.RR
	additional     []dns.RR
	rcode          int
	delegationName string
	wildcardName   string
	isReferral     bool
}

// lookupDomain resolves a presentation-format name to its Domain via the
// zone's NameTree rather than the flat Domains map, so lookups share the
// same storage path IXFR-driven inserts/deletes maintain.
func lookupDomain(zone *Zone, name string) (*Domain, bool) {
	n, err := MakeNameFromString(name)
	if err != nil {
		return nil, false
	}
	leaf := zone.Tree.Search(n.CanonicalKey())
	if leaf == nil {
		return nil, false
	}
	return leaf.Dom, true
}

// closestEncloser implements RFC 4592 §3.3.1's closest-encloser search: walk
// ancestors of name, strictly above name itself, until the first one that
// actually exists in the zone. A wildcard answer can only be synthesised
// from that encloser's own "*" child, not from an intermediate empty
// non-terminal further down — checking only the immediate parent (as a
// one-label walk would) misses a wildcard sitting above an empty ancestor,
// e.g. *.example.com. matching a.b.example.com. when b.example.com. itself
// owns no RRsets.
func closestEncloser(zone *Zone, name string) (*Domain, string, bool) {
	cur := parentOf(name)
	for {
		if dom, ok := lookupDomain(zone, cur); ok {
			return dom, cur, true
		}
		if cur == "" || cur == zone.ApexName {
			return nil, "", false
		}
		cur = parentOf(cur)
	}
}

// resolveInZone implements spec §4.E step 4's case analysis.
func resolveInZone(zone *Zone, qname string, qtype uint16) (RRLType, resolutionResult) {
	zone.mu.RLock()
	defer zone.mu.RUnlock()
	name := strings.ToLower(strings.TrimSuffix(qname, "."))
	if name == "" {
		name = zone.ApexName
	}

	if closer, delegName, ok := findDelegationAncestor(zone, name); ok {
		res := resolutionResult{delegationName: delegName, isReferral: true}
		res.authority = append(res.authority, closer.RRtypes[dns.TypeNS].RRs...)
		res.additional = findGlue(zone, closer.RRtypes[dns.TypeNS].RRs)
		return RRLReferral, res
	}

	if dom, ok := lookupDomain(zone, name); ok {
		if rrs, ok := dom.RRtypes[qtype]; ok {
			return RRLPositive, resolutionResult{answer: rrs.RRs}
		}
		if cname, ok := dom.RRtypes[dns.TypeCNAME]; ok && qtype != dns.TypeCNAME {
			res := resolutionResult{answer: cname.RRs}
			return RRLPositive, res
		}
		res := resolutionResult{}
		if zone.SOA != nil {
			res.authority = []dns.RR{zone.SOA}
		}
		res.authority = append(res.authority, ownerNSEC(dom)...)
		return RRLNodata, res
	}

	if encloser, encloserName, ok := closestEncloser(zone, name); ok && encloser.WildcardChild {
		wildName := "*." + encloserName
		if dom, ok := lookupDomain(zone, wildName); ok {
			if rrs, ok := dom.RRtypes[qtype]; ok {
				synthesised := make([]dns.RR, len(rrs.RRs))
				for i, rr := range rrs.RRs {
					cp := dns.Copy(rr)
					cp.Header().Name = dns.Fqdn(qname)
					synthesised[i] = cp
				}
				res := resolutionResult{answer: synthesised, wildcardName: wildName}
				res.authority = append(res.authority, nsecProof(zone, name)...)
				return RRLWildcard, res
			}
			res := resolutionResult{}
			if zone.SOA != nil {
				res.authority = []dns.RR{zone.SOA}
			}
			res.authority = append(res.authority, ownerNSEC(dom)...)
			return RRLNodata, res
		}
	}

	res := resolutionResult{rcode: dns.RcodeNameError}
	if zone.SOA != nil {
		res.authority = []dns.RR{zone.SOA}
	}
	res.authority = append(res.authority, nsecProof(zone, name)...)
	if encloserName, ok := closestEncloserName(zone, name); ok {
		res.authority = append(res.authority, nsecProof(zone, "*."+encloserName)...)
	}
	return RRLNxdomain, res
}

// ownerNSEC returns the NSEC RRset (and any RRSIG covering it) already
// owned by dom itself — the NODATA proof, since the name exists but lacks
// the queried type.
func ownerNSEC(dom *Domain) []dns.RR {
	var out []dns.RR
	rrs, ok := dom.RRtypes[dns.TypeNSEC]
	if !ok {
		return nil
	}
	out = append(out, rrs.RRs...)
	if sigs, ok := dom.RRtypes[dns.TypeRRSIG]; ok {
		for _, rr := range sigs.RRs {
			if sig, ok := rr.(*dns.RRSIG); ok && sig.TypeCovered == dns.TypeNSEC {
				out = append(out, rr)
			}
		}
	}
	return out
}

// nsecProof returns the NSEC RRset (plus covering RRSIG) owned by the
// canonical predecessor of name — the "no owner name between here and
// there" proof RFC 4035 §3.1.3 negative answers need. Zones are served
// pre-signed (spec §1 Non-goals excludes online signing), so this only
// ever surfaces NSEC records a zone already carries; it never mints one.
//
// NSEC3 proofs are deliberately not synthesised here: an NSEC3 chain is
// ordered by the SHA-1 hash of each owner name (RFC 5155 §7.2), not by
// plain canonical qname order, so the predecessor this zone's NameTree
// gives us — sorted by the real name — does not correspond to the NSEC3
// chain's predecessor of a hypothetical hashed qname. Answering NSEC3
// zones correctly needs a second index keyed by hash (salt and iterations
// taken from NSEC3PARAM), which this core does not maintain; adding one is
// future work, not a silent approximation pretending to be a closest-hash
// match.
func nsecProof(zone *Zone, name string) []dns.RR {
	n, err := MakeNameFromString(name)
	if err != nil {
		return nil
	}
	pred := zone.Tree.SearchClosest(n.CanonicalKey(), -1)
	if pred == nil || pred.Dom == nil {
		return nil
	}
	return ownerNSEC(pred.Dom)
}

// closestEncloserName is closestEncloser without the Domain, for callers
// that only need the ancestor name to build "*.<encloser>" against.
func closestEncloserName(zone *Zone, name string) (string, bool) {
	_, encloserName, ok := closestEncloser(zone, name)
	return encloserName, ok
}

func parentOf(name string) string {
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

// findDelegationAncestor walks from name up toward the apex looking for a
// domain marked IsDelegation, per spec §4.E "Ancestor is delegation point".
func findDelegationAncestor(zone *Zone, name string) (*Domain, string, bool) {
	cur := name
	for cur != "" && cur != zone.ApexName {
		cur = parentOf(cur)
		if dom, ok := lookupDomain(zone, cur); ok && dom.IsDelegation {
			return dom, dom.Name, true
		}
	}
	return nil, "", false
}

func findGlue(zone *Zone, nsRRs []dns.RR) []dns.RR {
	var glue []dns.RR
	for _, rr := range nsRRs {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		target := strings.ToLower(strings.TrimSuffix(ns.Ns, "."))
		if !strings.HasSuffix(target, zone.ApexName) {
			continue // out-of-zone, not in-bailiwick: no glue to add here
		}
		if dom, ok := lookupDomain(zone, target); ok {
			if a, ok := dom.RRtypes[dns.TypeA]; ok {
				glue = append(glue, a.RRs...)
			}
			if aaaa, ok := dom.RRtypes[dns.TypeAAAA]; ok {
				glue = append(glue, aaaa.RRs...)
			}
		}
	}
	return glue
}

func applyResolution(m *dns.Msg, zone *Zone, q dns.Question, res resolutionResult) {
	m.Answer = res.answer
	m.Ns = res.authority
	m.Extra = append(m.Extra, res.additional...)
	if res.rcode != 0 {
		m.Rcode = res.rcode
	}
	if res.isReferral {
		m.Authoritative = false
	}
	if m.Len() > maxUDPSizeFor(m) {
		m.Truncated = true
	}
}

func maxUDPSizeFor(m *dns.Msg) int {
	if opt := m.IsEdns0(); opt != nil {
		if sz := int(opt.UDPSize()); sz > 0 {
			return sz
		}
	}
	return 512
}
