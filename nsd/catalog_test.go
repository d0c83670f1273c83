package nsd

import (
	"path/filepath"
	"testing"
)

func TestCatalogDBAddAndListMembers(t *testing.T) {
	db, err := OpenCatalogDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalogDB: %v", err)
	}
	defer db.Close()

	if err := db.AddMember("catalog.example.", "ab12cd34", "member1.example.", "default"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	members, err := db.Members("catalog.example.")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0].ZoneName != "member1.example." {
		t.Fatalf("unexpected members: %+v", members)
	}
}

func TestCatalogDBRemoveMember(t *testing.T) {
	db, err := OpenCatalogDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalogDB: %v", err)
	}
	defer db.Close()
	db.AddMember("catalog.example.", "ab12cd34", "member1.example.", "default")
	if err := db.RemoveMember("catalog.example.", "member1.example."); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	members, _ := db.Members("catalog.example.")
	if len(members) != 0 {
		t.Errorf("expected no members after removal, got %d", len(members))
	}
}

// TestConsumeCatalogRejectsWrongVersion covers spec concrete scenario 6: a
// catalog zone whose version TXT is not "2" must be rejected rather than
// silently ignored.
func TestConsumeCatalogRejectsWrongVersion(t *testing.T) {
	zone, _ := NewZone("catalog.example.")
	versionDom := zone.FindOrCreateDomain("version.catalog.example.")
	zone.AddRR(versionDom, mustRR(t, "version.catalog.example. 3600 IN TXT \"1\""))

	db, err := OpenCatalogDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalogDB: %v", err)
	}
	defer db.Close()

	ring := NewTaskRing()
	if err := ConsumeCatalog(zone, db, ring, "default"); err == nil {
		t.Errorf("expected an error for a non-\"2\" version TXT")
	}
	if !zone.IsBad {
		t.Errorf("catalog zone should be flagged bad on version mismatch")
	}
}

func TestConsumeCatalogEnumeratesMembers(t *testing.T) {
	zone, _ := NewZone("catalog.example.")
	versionDom := zone.FindOrCreateDomain("version.catalog.example.")
	zone.AddRR(versionDom, mustRR(t, "version.catalog.example. 3600 IN TXT \"2\""))

	memberDom := zone.FindOrCreateDomain("ab12cd34.zones.catalog.example.")
	zone.AddRR(memberDom, mustRR(t, "ab12cd34.zones.catalog.example. 3600 IN PTR member1.example."))

	db, err := OpenCatalogDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalogDB: %v", err)
	}
	defer db.Close()

	ring := NewTaskRing()
	if err := ConsumeCatalog(zone, db, ring, "default"); err != nil {
		t.Fatalf("ConsumeCatalog: %v", err)
	}
	tasks := ring.Swap()
	var sawAdd bool
	for _, task := range tasks {
		if task.Kind == TaskAddZone && task.ZoneName == "member1.example." {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Errorf("expected a TaskAddZone for member1.example., got %+v", tasks)
	}
}

// TestConsumeCatalogDeletesVanishedMember covers the diff-against-prior-state
// half of consuming a catalog: a member present in a previous consume but
// absent from the current zone content must produce a TaskDeleteZone, not
// silent loss.
func TestConsumeCatalogDeletesVanishedMember(t *testing.T) {
	db, err := OpenCatalogDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalogDB: %v", err)
	}
	defer db.Close()

	zone, _ := NewZone("catalog.example.")
	versionDom := zone.FindOrCreateDomain("version.catalog.example.")
	zone.AddRR(versionDom, mustRR(t, "version.catalog.example. 3600 IN TXT \"2\""))
	memberDom := zone.FindOrCreateDomain("ab12cd34.zones.catalog.example.")
	zone.AddRR(memberDom, mustRR(t, "ab12cd34.zones.catalog.example. 3600 IN PTR member1.example."))

	ring := NewTaskRing()
	if err := ConsumeCatalog(zone, db, ring, "default"); err != nil {
		t.Fatalf("first ConsumeCatalog: %v", err)
	}
	ring.Swap()

	// second consume: the same zone content minus the member that disappeared.
	zone2, _ := NewZone("catalog.example.")
	versionDom2 := zone2.FindOrCreateDomain("version.catalog.example.")
	zone2.AddRR(versionDom2, mustRR(t, "version.catalog.example. 3600 IN TXT \"2\""))

	if err := ConsumeCatalog(zone2, db, ring, "default"); err != nil {
		t.Fatalf("second ConsumeCatalog: %v", err)
	}
	tasks := ring.Swap()
	var sawDelete bool
	for _, task := range tasks {
		if task.Kind == TaskDeleteZone && task.ZoneName == "member1.example." {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Errorf("expected a TaskDeleteZone for member1.example. after it vanished from the catalog, got %+v", tasks)
	}
}

func TestProduceCatalogAddsAndRemovesMembers(t *testing.T) {
	db, err := OpenCatalogDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalogDB: %v", err)
	}
	defer db.Close()

	producer, _ := NewZone("catalog.example.")
	ring := NewTaskRing()

	if err := ProduceCatalog(producer, db, map[string]string{"member1.example.": "default"}, ring); err != nil {
		t.Fatalf("ProduceCatalog (add): %v", err)
	}
	members, _ := db.Members(producer.ApexName)
	if len(members) != 1 {
		t.Fatalf("expected one member after first produce, got %d", len(members))
	}

	if err := ProduceCatalog(producer, db, map[string]string{}, ring); err != nil {
		t.Fatalf("ProduceCatalog (remove): %v", err)
	}
	members, _ = db.Members(producer.ApexName)
	if len(members) != 0 {
		t.Errorf("expected member removed once no longer configured, got %d", len(members))
	}
}
