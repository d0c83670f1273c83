package nsd

import (
	"net"
	"testing"
)

func TestRRLPassesBelowLimit(t *testing.T) {
	tbl := NewRRLTable(1009, 10, 2)
	defer UnsetFakeClock()
	SetFakeClock(1000)
	src := net.ParseIP("192.0.2.1")
	for i := 0; i < 5; i++ {
		if d := tbl.Account(src, RRLNxdomain, "example.com", false); d != DecisionPass {
			t.Fatalf("iteration %d: got %v, want pass", i, d)
		}
	}
}

func TestRRLBlocksAboveLimitWithSlip(t *testing.T) {
	tbl := NewRRLTable(1009, 10, 2)
	defer UnsetFakeClock()
	SetFakeClock(2000)
	src := net.ParseIP("192.0.2.1")

	var passes, slips, drops int
	for i := 0; i < 100; i++ {
		switch tbl.Account(src, RRLNxdomain, "example.com", false) {
		case DecisionPass:
			passes++
		case DecisionSlip:
			slips++
		case DecisionDrop:
			drops++
		}
	}
	if drops == 0 {
		t.Errorf("expected some drops once the rate exceeds the limit")
	}
	if slips == 0 {
		t.Errorf("expected some slips (truncated responses) per the configured slip ratio")
	}
}

func TestRRLWhitelistBypasses(t *testing.T) {
	tbl := NewRRLTable(1009, 1, 1)
	src := net.ParseIP("192.0.2.1")
	for i := 0; i < 50; i++ {
		if d := tbl.Account(src, RRLNxdomain, "example.com", true); d != DecisionPass {
			t.Fatalf("whitelisted query blocked at iteration %d: %v", i, d)
		}
	}
}

func TestRRLOtherSourcesUnaffected(t *testing.T) {
	tbl := NewRRLTable(1009, 5, 2)
	defer UnsetFakeClock()
	SetFakeClock(3000)
	attacker := net.ParseIP("192.0.2.1")
	victim := net.ParseIP("198.51.100.7")
	for i := 0; i < 50; i++ {
		tbl.Account(attacker, RRLNxdomain, "example.com", false)
	}
	if d := tbl.Account(victim, RRLNxdomain, "example.com", false); d != DecisionPass {
		t.Errorf("an unrelated source should not be affected by another source's bucket: got %v", d)
	}
}

func TestRRLCounterSaturatesNotWraps(t *testing.T) {
	tbl := NewRRLTable(17, 1<<30, 2)
	src := net.ParseIP("192.0.2.1")
	SetFakeClock(4000)
	defer UnsetFakeClock()
	tbl.Account(src, RRLNxdomain, "example.com", false) // establish the bucket's key fields first
	idx := bucketHash(func() uint64 { h, _ := sourcePrefix(src); return h }(), false, RRLNxdomain, "example.com") % tbl.size
	tbl.buckets[idx].counter = ^uint32(0)
	tbl.Account(src, RRLNxdomain, "example.com", false)
	if tbl.buckets[idx].counter != ^uint32(0) {
		t.Errorf("counter must saturate at max uint32, not wrap: got %d", tbl.buckets[idx].counter)
	}
}
