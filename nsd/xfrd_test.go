package nsd

import (
	"testing"
	"time"
)

func TestSerialGTOrdinaryIncrement(t *testing.T) {
	if !serialGT(2, 1) {
		t.Errorf("2 should be greater than 1")
	}
	if serialGT(1, 2) {
		t.Errorf("1 should not be greater than 2")
	}
	if serialGT(1, 1) {
		t.Errorf("a serial is not greater than itself")
	}
}

func TestSerialGTWrapsPerRFC1982(t *testing.T) {
	var max uint32 = 0xFFFFFFFF
	if !serialGT(0, max) {
		t.Errorf("0 should be considered greater than the max serial (wraparound)")
	}
	if serialGT(max, 0) {
		t.Errorf("max serial should not be considered greater than 0 after wraparound")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	x := &Xfrd{}
	xz := &XfrdZone{}

	x.backoff(xz)
	if xz.State != ZoneExpired {
		t.Errorf("backoff should move the zone to the expired state")
	}
	first := xz.Timer.Retry
	if first <= 0 {
		t.Fatalf("expected a positive retry delay after backoff")
	}

	for i := 0; i < 40; i++ {
		x.backoff(xz)
	}
	if xz.Timer.RetryCnt < 30 {
		t.Errorf("retry counter should keep climbing even once the delay itself is capped")
	}
	capped := 30 * 30 * time.Second
	if xz.Timer.Retry < capped || xz.Timer.Retry >= capped+10*time.Second {
		t.Errorf("retry delay after 41 failures = %v, want the capped %v plus under 10s of jitter", xz.Timer.Retry, capped)
	}
	if xz.Timer.Retry <= first {
		t.Errorf("retry delay did not grow: first %v, after 41 failures %v", first, xz.Timer.Retry)
	}
}

func TestAddZoneStartsExpired(t *testing.T) {
	x := NewXfrd(nil, 4, nil)
	zone, _ := NewZone("example.com.")
	xz := x.AddZone(zone)
	if xz.State != ZoneExpired {
		t.Errorf("a freshly added secondary zone should start in the expired state, got %v", xz.State)
	}
	if _, ok := x.Zones[zone.ApexName]; !ok {
		t.Errorf("AddZone should register the zone under its apex name")
	}
}
