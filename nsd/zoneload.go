package nsd

import (
	"os"

	"github.com/miekg/dns"
)

// LoadZoneFile populates a primary zone from an RFC 1035 master-format file
// (spec §6.2), treating miekg/dns's dns.ZoneParser as the external
// collaborator spec §1 designates the zone-file grammar to be — the parser
// itself ($ORIGIN/$TTL/$INCLUDE/$GENERATE handling) is explicitly out of
// scope for this core, so it is never reimplemented here.
func LoadZoneFile(zone *Zone, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &StorageError{Op: "open zonefile", Errno: err}
	}
	defer f.Close()

	zp := dns.NewZoneParser(f, dns.Fqdn(zone.Apex.String()), path)
	count := 0
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		dom := zone.FindOrCreateDomain(rr.Header().Name)
		if err := zone.AddRR(dom, rr); err != nil {
			Warningf("zonefile %s: skipping record at %s: %v", path, rr.Header().Name, err)
			continue
		}
		count++
	}
	if err := zp.Err(); err != nil {
		return &ParseError{Kind: err.Error()}
	}
	zone.IsOK = zone.SOA != nil
	Noticef("loaded %d records for zone %s from %s", count, zone.ApexName, path)
	return nil
}
