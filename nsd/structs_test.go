package nsd

import (
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", s, err)
	}
	return rr
}

func TestZoneAddRRBasicPositive(t *testing.T) {
	// Concrete scenario 1 from spec §8: zone example.com with www A 192.0.2.1.
	zone, err := NewZone("example.com.")
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}
	apex := zone.FindOrCreateDomain("example.com.")
	if err := zone.AddRR(apex, mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 7200 3600 1209600 3600")); err != nil {
		t.Fatalf("AddRR SOA: %v", err)
	}
	www := zone.FindOrCreateDomain("www.example.com.")
	if err := zone.AddRR(www, mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")); err != nil {
		t.Fatalf("AddRR A: %v", err)
	}
	class, res := resolveInZone(zone, "www.example.com.", dns.TypeA)
	if class != RRLPositive {
		t.Errorf("got class %v, want positive", class)
	}
	if len(res.answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(res.answer))
	}
	a, ok := res.answer[0].(*dns.A)
	if !ok || a.A.String() != "192.0.2.1" {
		t.Errorf("unexpected answer RR: %v", res.answer[0])
	}
}

func TestZoneNXDOMAIN(t *testing.T) {
	// Concrete scenario 2: query for an absent name returns NXDOMAIN with SOA in authority.
	zone, _ := NewZone("example.com.")
	apex := zone.FindOrCreateDomain("example.com.")
	zone.AddRR(apex, mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 7200 3600 1209600 3600"))

	class, res := resolveInZone(zone, "absent.example.com.", dns.TypeA)
	if class != RRLNxdomain {
		t.Errorf("got class %v, want nxdomain", class)
	}
	if res.rcode != dns.RcodeNameError {
		t.Errorf("got rcode %d, want NXDOMAIN", res.rcode)
	}
	if len(res.authority) != 1 {
		t.Fatalf("expected SOA in authority")
	}
}

func TestZoneDelegation(t *testing.T) {
	// Concrete scenario 3: a delegation below the apex returns NS + glue, AA=0.
	zone, _ := NewZone("example.com.")
	apex := zone.FindOrCreateDomain("example.com.")
	zone.AddRR(apex, mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 7200 3600 1209600 3600"))
	sub := zone.FindOrCreateDomain("sub.example.com.")
	zone.AddRR(sub, mustRR(t, "sub.example.com. 3600 IN NS ns1.sub.example.com."))
	glue := zone.FindOrCreateDomain("ns1.sub.example.com.")
	zone.AddRR(glue, mustRR(t, "ns1.sub.example.com. 3600 IN A 192.0.2.2"))

	class, res := resolveInZone(zone, "x.sub.example.com.", dns.TypeA)
	if class != RRLReferral {
		t.Errorf("got class %v, want referral", class)
	}
	if len(res.authority) != 1 {
		t.Fatalf("expected one NS RR in authority, got %d", len(res.authority))
	}
	if len(res.additional) != 1 {
		t.Fatalf("expected one glue A RR in additional, got %d", len(res.additional))
	}
}

func TestAddRRDedup(t *testing.T) {
	zone, _ := NewZone("example.com.")
	dom := zone.FindOrCreateDomain("www.example.com.")
	rr := mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")
	if err := zone.AddRR(dom, rr); err != nil {
		t.Fatalf("AddRR: %v", err)
	}
	if err := zone.AddRR(dom, mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")); err != nil {
		t.Fatalf("AddRR duplicate: %v", err)
	}
	if len(dom.RRtypes[dns.TypeA].RRs) != 1 {
		t.Errorf("duplicate RR should not be stored twice, got %d", len(dom.RRtypes[dns.TypeA].RRs))
	}
}

func TestAddRRRejectsCNAMECoexistence(t *testing.T) {
	zone, _ := NewZone("example.com.")
	dom := zone.FindOrCreateDomain("www.example.com.")
	if err := zone.AddRR(dom, mustRR(t, "www.example.com. 3600 IN CNAME target.example.com.")); err != nil {
		t.Fatalf("AddRR CNAME: %v", err)
	}
	if err := zone.AddRR(dom, mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")); err == nil {
		t.Errorf("expected CNAME coexistence violation")
	}
}

func TestDeleteRRDropsEmptyRRsetAndDomain(t *testing.T) {
	zone, _ := NewZone("example.com.")
	dom := zone.FindOrCreateDomain("www.example.com.")
	rr := mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")
	zone.AddRR(dom, rr)
	if err := zone.DeleteRR(dom, rr); err != nil {
		t.Fatalf("DeleteRR: %v", err)
	}
	if _, ok := zone.Domains["www.example.com"]; ok {
		t.Errorf("domain should be collected once its last RRset is removed")
	}
}
