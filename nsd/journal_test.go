package nsd

import (
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
)

func soaWithSerial(t *testing.T, serial uint32) dns.RR {
	t.Helper()
	rr := mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 7200 3600 1209600 3600")
	rr.(*dns.SOA).Serial = serial
	return rr
}

func TestJournalWriteIXFREnqueuesApplyTask(t *testing.T) {
	ring := NewTaskRing()
	j, err := NewJournal(t.TempDir(), ring)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	envelope := []dns.RR{
		soaWithSerial(t, 2),                                           // outer envelope SOA (final)
		soaWithSerial(t, 1),                                           // start of deletions: old serial
		mustRR(t, "old.example.com. 3600 IN A 192.0.2.9"),             // deleted
		soaWithSerial(t, 2),                                           // start of additions: new serial
		mustRR(t, "new.example.com. 3600 IN A 192.0.2.10"),            // added
		soaWithSerial(t, 2),                                           // closing SOA
	}

	if err := j.WriteIXFR("example.com.", 1, 2, [][]dns.RR{envelope}); err != nil {
		t.Fatalf("WriteIXFR: %v", err)
	}

	tasks := ring.Swap()
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task on the active bank after swap, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Kind != TaskApplyXFR {
		t.Errorf("got task kind %v, want TaskApplyXFR", task.Kind)
	}
	if task.ZoneName != "example.com." {
		t.Errorf("got zone name %q", task.ZoneName)
	}
	if task.OldSerial != 1 || task.NewSerial != 2 {
		t.Errorf("got serials %d->%d, want 1->2", task.OldSerial, task.NewSerial)
	}
}

func TestJournalWriteAXFRWritesFileAndTask(t *testing.T) {
	ring := NewTaskRing()
	dir := t.TempDir()
	j, err := NewJournal(dir, ring)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	rrs := []dns.RR{
		soaWithSerial(t, 5),
		mustRR(t, "www.example.com. 3600 IN A 192.0.2.1"),
	}
	if err := j.WriteAXFR("example.com.", 5, rrs); err != nil {
		t.Fatalf("WriteAXFR: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "axfr.*"))
	if len(matches) != 1 {
		t.Fatalf("expected one axfr file, got %d", len(matches))
	}
	tasks := ring.Swap()
	if len(tasks) != 1 || tasks[0].Kind != TaskApplyXFR || tasks[0].NewSerial != 5 {
		t.Fatalf("unexpected task state: %+v", tasks)
	}
}

func TestJournalApplyDetectsSerialMismatch(t *testing.T) {
	ring := NewTaskRing()
	j, _ := NewJournal(t.TempDir(), ring)
	zone, _ := NewZone("example.com.")
	apex := zone.FindOrCreateDomain("example.com.")
	zone.AddRR(apex, soaWithSerial(t, 3))

	err := j.Apply(zone, Task{Kind: TaskApplyXFR, OldSerial: 1, NewSerial: 2})
	if err == nil {
		t.Fatalf("expected a serial-mismatch error")
	}
	if !zone.IsBad {
		t.Errorf("zone should be flagged bad on a serial mismatch")
	}
}

// TestJournalApplyReplaysDeltaAndBumpsSerial covers Testable Property 4's
// replay half: Apply must not just validate the serial, it must actually
// mutate the zone to match the transfer it was handed.
func TestJournalApplyReplaysDeltaAndBumpsSerial(t *testing.T) {
	ring := NewTaskRing()
	dir := t.TempDir()
	j, err := NewJournal(dir, ring)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	zone, _ := NewZone("example.com.")
	apex := zone.FindOrCreateDomain("example.com.")
	zone.AddRR(apex, soaWithSerial(t, 1))
	oldDom := zone.FindOrCreateDomain("old.example.com.")
	zone.AddRR(oldDom, mustRR(t, "old.example.com. 3600 IN A 192.0.2.9"))

	envelope := []dns.RR{
		soaWithSerial(t, 2),
		soaWithSerial(t, 1),
		mustRR(t, "old.example.com. 3600 IN A 192.0.2.9"),
		soaWithSerial(t, 2),
		mustRR(t, "new.example.com. 3600 IN A 192.0.2.10"),
		soaWithSerial(t, 2),
	}
	if err := j.WriteIXFR("example.com.", 1, 2, [][]dns.RR{envelope}); err != nil {
		t.Fatalf("WriteIXFR: %v", err)
	}
	tasks := ring.Swap()
	if len(tasks) != 1 {
		t.Fatalf("expected one queued apply task, got %d", len(tasks))
	}

	if err := j.Apply(zone, tasks[0]); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := zone.Domains["old.example.com"]; ok {
		t.Errorf("old.example.com should have been removed by the replayed delete")
	}
	newDom, ok := zone.Domains["new.example.com"]
	if !ok {
		t.Fatalf("new.example.com should have been added by the replay")
	}
	if rrs := newDom.RRtypes[dns.TypeA]; rrs == nil || len(rrs.RRs) != 1 {
		t.Errorf("new.example.com should carry exactly one A record, got %+v", rrs)
	}
	soa, ok := zone.SOA.(*dns.SOA)
	if !ok || soa.Serial != 2 {
		t.Errorf("zone SOA serial = %v, want 2", zone.SOA)
	}
}

func TestJournalApplyIdempotent(t *testing.T) {
	ring := NewTaskRing()
	dir := t.TempDir()
	j, err := NewJournal(dir, ring)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	zone, _ := NewZone("example.com.")
	apex := zone.FindOrCreateDomain("example.com.")
	zone.AddRR(apex, soaWithSerial(t, 1))

	envelope := []dns.RR{
		soaWithSerial(t, 2),
		soaWithSerial(t, 1),
		mustRR(t, "old.example.com. 3600 IN A 192.0.2.9"),
		soaWithSerial(t, 2),
		mustRR(t, "new.example.com. 3600 IN A 192.0.2.10"),
		soaWithSerial(t, 2),
	}
	if err := j.WriteIXFR("example.com.", 1, 2, [][]dns.RR{envelope}); err != nil {
		t.Fatalf("WriteIXFR: %v", err)
	}
	tasks := ring.Swap()
	task := tasks[0]

	if err := j.Apply(zone, task); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	newDom := zone.Domains["new.example.com"]
	if err := j.Apply(zone, task); err != nil {
		t.Fatalf("second Apply (idempotent re-apply) should not error: %v", err)
	}
	if got := zone.Domains["new.example.com"]; got != newDom || len(got.RRtypes[dns.TypeA].RRs) != 1 {
		t.Errorf("re-applying the same delta should not duplicate new.example.com's A record, got %+v", got)
	}
}

func TestTaskRingSwapIsolatesBanks(t *testing.T) {
	ring := NewTaskRing()
	ring.Push(Task{Kind: TaskAddZone, ZoneName: "a.example."})
	first := ring.Swap()
	if len(first) != 1 {
		t.Fatalf("expected one task in the first swap, got %d", len(first))
	}
	ring.Push(Task{Kind: TaskAddZone, ZoneName: "b.example."})
	second := ring.Swap()
	if len(second) != 1 || second[0].ZoneName != "b.example." {
		t.Fatalf("second swap should only see tasks pushed after the first swap, got %+v", second)
	}
}
