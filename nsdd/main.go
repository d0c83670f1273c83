// Command nsdd is the authoritative DNS server daemon.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nsdgo/nsd/nsd"
)

func main() {
	flags, err := nsd.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	nsd.Globals.Logger = nsd.InitLogging(flags.LogFile)

	cfg, err := nsd.LoadConfig(flags.ConfigFile, flags)
	if err != nil {
		nsd.Errorf("config error: %v", err)
		os.Exit(1)
	}
	nsd.Globals.Config = cfg
	nsd.Globals.App = nsd.AppServer

	// A process started by Supervisor.forkAndSwap inherits its sockets on
	// fd 3/4 (nsd/netio.go's AdoptSockets) instead of binding its own, and
	// it is already the child of an already-pidfiled parent.
	reexec := os.Getenv("NSDD_REEXEC") == "1"
	if !flags.Foreground && !reexec {
		if err := nsd.WritePidFile(cfg.Server.PidFile); err != nil {
			nsd.Errorf("pidfile: %v", err)
			os.Exit(2)
		}
	}

	keys, err := nsd.NewTSIGKeyTable(cfg.Keys)
	if err != nil {
		nsd.Errorf("TSIG keys: %v", err)
		os.Exit(1)
	}

	rrl := nsd.NewRRLTable(cfg.Server.RRLSize, cfg.Server.RRLRatelimit, cfg.Server.RRLSlip)
	nsd.Globals.RRL = rrl

	ring := nsd.NewTaskRing()
	journal, err := nsd.NewJournal("/var/lib/nsdd/journal", ring)
	if err != nil {
		nsd.Errorf("journal: %v", err)
		os.Exit(2)
	}

	catalogDB, err := nsd.OpenCatalogDB(catalogDBPath(cfg.Server.DBFile))
	if err != nil {
		nsd.Errorf("catalog db: %v", err)
		os.Exit(2)
	}
	defer catalogDB.Close()

	snapshotDir := filepath.Join(filepath.Dir(cfg.Server.DBFile), "zones")
	if err := os.MkdirAll(snapshotDir, 0o750); err != nil {
		nsd.Errorf("zone snapshot dir: %v", err)
		os.Exit(2)
	}

	xfrd := nsd.NewXfrd(keys, 10, journal)
	nsd.InstallNotifyTarget(xfrd)

	var secondaries []*nsd.XfrdZone
	var consumers []catalogConsumer
	var producers []catalogProducer

	for _, zc := range cfg.Zones {
		resolved := cfg.ResolveZone(zc)
		zone, err := nsd.NewZone(zc.Name)
		if err != nil {
			nsd.Warningf("skipping zone %s: %v", zc.Name, err)
			continue
		}
		zone.AllowAXFRFallback = resolved.AllowAXFRFallback
		zone.MultiPrimaryCheck = resolved.MultiPrimaryCheck
		zone.Notify = parseACLList(resolved.Notify)
		zone.AllowNotify = parseACLList(resolved.AllowNotify)
		zone.Primaries = parseACLList(resolved.RequestXFR)
		nsd.Zones.Set(zone.ApexName, zone)

		if resolved.ZonefileTemplate != "" {
			if err := nsd.LoadZoneFile(zone, resolved.ZonefileTemplate); err != nil {
				nsd.Warningf("zone %s: %v", zc.Name, err)
			}
			if err := nsd.PersistZoneSnapshot(snapshotDir, zone); err != nil {
				nsd.Warningf("zone %s: snapshot: %v", zc.Name, err)
			}
		} else if err := nsd.RestoreZoneFromDisk(snapshotDir, zone); err != nil && !os.IsNotExist(err) {
			nsd.Warningf("zone %s: restore from snapshot: %v", zc.Name, err)
		}

		switch resolved.Catalog {
		case "consumer":
			zone.Catalog = nsd.CatalogConsumer
			consumers = append(consumers, catalogConsumer{zone: zone, defaultPattern: resolved.CatalogMemberPattern})
		case "producer":
			zone.Catalog = nsd.CatalogProducer
			producers = append(producers, catalogProducer{zone: zone})
		}

		if len(zone.Primaries) > 0 {
			zone.Type = nsd.ZoneTypeSecondary
			secondaries = append(secondaries, xfrd.AddZone(zone))
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	tcpTimeout := time.Duration(cfg.Server.TCPTimeout) * time.Second

	var (
		udpConn net.PacketConn
		tcpLn   net.Listener
	)
	if reexec {
		udpConn, tcpLn, err = nsd.AdoptSockets()
	} else {
		udpConn, tcpLn, err = nsd.ListenSockets(addr)
	}
	if err != nil {
		nsd.Errorf("sockets: %v", err)
		os.Exit(2)
	}
	udpSrv, tcpSrv, errCh := nsd.Serve(udpConn, tcpLn, keys, rrl, tcpTimeout)

	supervisor := nsd.NewSupervisor(ring)
	supervisor.SetSockets(udpConn, tcpLn, udpSrv, tcpSrv)
	supervisor.SetJournal(journal, snapshotDir)

	if cfg.Server.StatusAddr != "" {
		statusSrv := nsd.NewStatusServer(ring)
		statusSrv.Addr = cfg.Server.StatusAddr
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				nsd.Warningf("status server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, xz := range secondaries {
		go xfrd.Run(ctx, xz)
	}
	for _, c := range consumers {
		go runCatalogConsumeLoop(ctx, c, catalogDB, ring)
	}
	for _, p := range producers {
		go runCatalogProduceLoop(ctx, p, catalogDB, ring)
	}

	done := make(chan struct{})
	go func() {
		if err := <-errCh; err != nil {
			nsd.Errorf("server exited: %v", err)
		}
		close(done)
	}()

	supervisor.Run(done)
}

// catalogDBPath derives the catalog store's path from the server's main
// database file, keeping the two sqlite3 files side by side.
func catalogDBPath(dbFile string) string {
	if dbFile == "" {
		return "/var/lib/nsdd/catalog.db"
	}
	return filepath.Join(filepath.Dir(dbFile), "catalog.db")
}

type catalogConsumer struct {
	zone           *nsd.Zone
	defaultPattern string
}

type catalogProducer struct {
	zone *nsd.Zone
}

// catalogConsumeInterval mirrors a catalog zone's own refresh cadence: a
// consumer re-derives its membership at a fixed poll interval; a NOTIFY on
// the catalog zone itself additionally drives that zone's own xfrd reactor
// sooner, so this loop just needs to eventually notice the result.
const catalogConsumeInterval = 30 * time.Second

func runCatalogConsumeLoop(ctx context.Context, c catalogConsumer, db *nsd.CatalogDB, ring *nsd.TaskRing) {
	ticker := time.NewTicker(catalogConsumeInterval)
	defer ticker.Stop()
	for {
		if err := nsd.ConsumeCatalog(c.zone, db, ring, c.defaultPattern); err != nil {
			nsd.Warningf("catalog %s: consume failed: %v", c.zone.ApexName, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

const catalogProduceInterval = 30 * time.Second

func runCatalogProduceLoop(ctx context.Context, p catalogProducer, db *nsd.CatalogDB, ring *nsd.TaskRing) {
	ticker := time.NewTicker(catalogProduceInterval)
	defer ticker.Stop()
	for {
		members := configuredCatalogMembers(p.zone)
		if err := nsd.ProduceCatalog(p.zone, db, members, ring); err != nil {
			nsd.Warningf("catalog %s: produce failed: %v", p.zone.ApexName, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// configuredCatalogMembers collects the zones configured with
// catalog-producer-zone set to this producer's own apex — the inverse of a
// member zone's own ZoneConf.Catalog role.
func configuredCatalogMembers(producer *nsd.Zone) map[string]string {
	members := make(map[string]string)
	cfg := nsd.Globals.Config
	if cfg == nil {
		return members
	}
	for _, zc := range cfg.Zones {
		resolved := cfg.ResolveZone(zc)
		if resolved.CatalogProducerZone == producer.ApexName {
			members[zc.Name] = zc.Pattern
		}
	}
	return members
}

// parseACLList parses spec §6.4's "<address> <key-name | NOKEY>" ACL entry
// syntax into ACLEntry values.
func parseACLList(entries []string) []nsd.ACLEntry {
	out := make([]nsd.ACLEntry, 0, len(entries))
	for _, e := range entries {
		fields := strings.Fields(e)
		if len(fields) == 0 {
			continue
		}
		entry := nsd.ACLEntry{Address: fields[0]}
		if len(fields) > 1 && fields[1] != "NOKEY" {
			entry.KeyName = fields[1]
		}
		out = append(out, entry)
	}
	return out
}
