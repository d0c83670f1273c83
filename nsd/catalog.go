package nsd

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/miekg/dns"
)

// CatalogDB persists member-id/pattern/zone-name linkage for both producer
// and consumer catalog zones
// (spec §4.J / §3 "Catalog member"), repointing the teacher's own KeyDB
// sqlite3 Tx pattern (db.go) at a new schema now that DNSSEC key storage
// is out of scope — this is the dependency's new home per SPEC_FULL.md.
type CatalogDB struct {
	db *sql.DB
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS catalog_members (
	catalog_apex TEXT NOT NULL,
	member_id    TEXT NOT NULL,
	zone_name    TEXT NOT NULL,
	pattern      TEXT NOT NULL,
	PRIMARY KEY (catalog_apex, member_id)
);
CREATE INDEX IF NOT EXISTS idx_catalog_members_zone ON catalog_members(catalog_apex, zone_name);
`

// OpenCatalogDB opens (creating if absent) the sqlite3-backed catalog store.
func OpenCatalogDB(path string) (*CatalogDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &StorageError{Op: "open catalog db", Errno: err}
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "create catalog schema", Errno: err}
	}
	return &CatalogDB{db: db}, nil
}

func (c *CatalogDB) Close() error { return c.db.Close() }

// AddMember records a catalog member, the stable (member-id,
// zone-name, pattern) triple spec §3 names.
func (c *CatalogDB) AddMember(catalogApex, memberID, zoneName, pattern string) error {
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO catalog_members(catalog_apex, member_id, zone_name, pattern) VALUES (?, ?, ?, ?)`,
		catalogApex, memberID, zoneName, pattern)
	if err != nil {
		return &StorageError{Op: "insert catalog member", Errno: err}
	}
	return nil
}

// RemoveMember deletes a catalog member by zone name.
func (c *CatalogDB) RemoveMember(catalogApex, zoneName string) error {
	_, err := c.db.Exec(`DELETE FROM catalog_members WHERE catalog_apex = ? AND zone_name = ?`, catalogApex, zoneName)
	if err != nil {
		return &StorageError{Op: "delete catalog member", Errno: err}
	}
	return nil
}

// Members lists all members of a producer zone, satisfying spec §3's
// invariant that "both directions of the link... exist in the producer
// state, or M is absent" by making the row itself the single source of
// truth for both directions.
func (c *CatalogDB) Members(catalogApex string) ([]CatalogMember, error) {
	rows, err := c.db.Query(`SELECT member_id, zone_name, pattern FROM catalog_members WHERE catalog_apex = ? ORDER BY member_id`, catalogApex)
	if err != nil {
		return nil, &StorageError{Op: "query catalog members", Errno: err}
	}
	defer rows.Close()
	var out []CatalogMember
	for rows.Next() {
		var m CatalogMember
		if err := rows.Scan(&m.MemberID, &m.ZoneName, &m.Pattern); err != nil {
			return nil, &StorageError{Op: "scan catalog member", Errno: err}
		}
		out = append(out, m)
	}
	return out, nil
}

// CatalogMember is one row of catalog membership state.
type CatalogMember struct {
	MemberID string
	ZoneName string
	Pattern  string
}

// randomMemberID generates a random 32-bit hex label, matching NSD's own
// producer-side id generation (SPEC_FULL.md original_source/ supplement) to
// avoid id collisions across re-adds.
func randomMemberID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%02x%02x%02x%02x", b[0], b[1], b[2], b[3])
}

// ConsumeCatalog implements spec §4.J's consumer algorithm, structurally
// grounded on NSD's cat-zones-nsd.c catz_add_zone sequence per
// SPEC_FULL.md's original_source/ supplement: version check, PTR
// enumeration at <id>.zones.<catz>, group.<id> TXT pattern lookup, diff
// against the current member list to emit add/delete/modify tasks. db
// persists the member set this call last saw for catalogZone, so a member
// id that disappears from one consume to the next (mirroring ProduceCatalog's
// own db-backed diff) surfaces as a TaskDeleteZone instead of being silently
// dropped.
func ConsumeCatalog(catalogZone *Zone, db *CatalogDB, ring *TaskRing, defaultPattern string) error {
	versionName := "version." + catalogZone.ApexName
	versionDom, ok := catalogZone.Domains[versionName]
	if !ok {
		catalogZone.IsBad = true
		catalogZone.BadReason = "missing version TXT"
		return &Refused{Reason: "catalog zone missing version TXT"}
	}
	txt, ok := versionDom.RRtypes[dns.TypeTXT]
	if !ok || len(txt.RRs) != 1 || joinTXT(txt.RRs[0].(*dns.TXT)) != "2" {
		catalogZone.IsBad = true
		catalogZone.BadReason = "version TXT is not \"2\""
		return &Refused{Reason: "catalog zone version mismatch"}
	}

	zonesPrefix := "zones." + catalogZone.ApexName
	type memberInfo struct {
		id      string
		zone    string
		pattern string
	}
	seen := make(map[string]memberInfo)
	for name, dom := range catalogZone.Domains {
		if !strings.HasSuffix(name, "."+zonesPrefix) && name != zonesPrefix {
			continue
		}
		labels := strings.Split(strings.TrimSuffix(name, "."+zonesPrefix), ".")
		if len(labels) != 1 || labels[0] == "" {
			continue // only exactly one label of depth under zones.<catz> is a member id
		}
		id := labels[0]
		ptr, ok := dom.RRtypes[dns.TypePTR]
		if !ok {
			continue
		}
		if len(ptr.RRs) != 1 {
			catalogZone.IsBad = true
			catalogZone.BadReason = fmt.Sprintf("member id %s has %d PTR records, want 1", id, len(ptr.RRs))
			continue
		}
		memberZone := strings.TrimSuffix(ptr.RRs[0].(*dns.PTR).Ptr, ".")
		pattern := defaultPattern
		if groupDom, ok := catalogZone.Domains["group."+id+"."+catalogZone.ApexName]; ok {
			if groupTxt, ok := groupDom.RRtypes[dns.TypeTXT]; ok && len(groupTxt.RRs) > 0 {
				if len(groupTxt.RRs) > 1 {
					Warningf("catalog %s: group.%s has multiple TXT values, falling back to default pattern", catalogZone.ApexName, id)
				} else {
					pattern = joinTXT(groupTxt.RRs[0].(*dns.TXT))
				}
			}
		}
		seen[id] = memberInfo{id: id, zone: memberZone, pattern: pattern}
	}

	previouslySeen, err := db.Members(catalogZone.ApexName)
	if err != nil {
		return err
	}
	byID := make(map[string]CatalogMember, len(previouslySeen))
	for _, m := range previouslySeen {
		byID[m.MemberID] = m
	}

	for id, info := range seen {
		prior, known := byID[id]
		if !known || prior.ZoneName != info.zone || prior.Pattern != info.pattern {
			ring.Push(Task{Kind: TaskApplyPattern, ZoneName: info.zone, Pattern: info.pattern})
			ring.Push(Task{Kind: TaskAddZone, ZoneName: info.zone})
		}
		if known && prior.ZoneName != info.zone {
			// the member id was reassigned to a different zone name; the old
			// mapping's zone is no longer a catalog member under this id.
			ring.Push(Task{Kind: TaskDeleteZone, ZoneName: prior.ZoneName})
		}
		if err := db.AddMember(catalogZone.ApexName, id, info.zone, info.pattern); err != nil {
			return err
		}
		delete(byID, id)
	}

	for _, vanished := range byID {
		ring.Push(Task{Kind: TaskDeleteZone, ZoneName: vanished.ZoneName})
		if err := db.RemoveMember(catalogZone.ApexName, vanished.ZoneName); err != nil {
			return err
		}
	}
	return nil
}

func joinTXT(rr *dns.TXT) string { return strings.Join(rr.Txt, "") }

// ProduceCatalog implements spec §4.J's producer side: for each configured
// member, maintain a random member-id under zones.<catz> plus a group.<id>
// TXT naming the pattern; on add/remove, push an IXFR-style diff task.
func ProduceCatalog(producerZone *Zone, db *CatalogDB, configuredMembers map[string]string, ring *TaskRing) error {
	existing, err := db.Members(producerZone.ApexName)
	if err != nil {
		return err
	}
	byZone := make(map[string]CatalogMember, len(existing))
	for _, m := range existing {
		byZone[m.ZoneName] = m
	}
	for zoneName, pattern := range configuredMembers {
		if m, ok := byZone[zoneName]; ok {
			if m.Pattern != pattern {
				if err := db.AddMember(producerZone.ApexName, m.MemberID, zoneName, pattern); err != nil {
					return err
				}
				ring.Push(Task{Kind: TaskAddCatalogMember, ZoneName: zoneName, Pattern: pattern})
			}
			delete(byZone, zoneName)
			continue
		}
		id := randomMemberID()
		if err := db.AddMember(producerZone.ApexName, id, zoneName, pattern); err != nil {
			return err
		}
		ring.Push(Task{Kind: TaskAddCatalogMember, ZoneName: zoneName, Pattern: pattern})
	}
	for zoneName := range byZone {
		if err := db.RemoveMember(producerZone.ApexName, zoneName); err != nil {
			return err
		}
		ring.Push(Task{Kind: TaskDeleteZone, ZoneName: zoneName})
	}
	return nil
}
