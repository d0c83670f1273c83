package nsd

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// XfrdZone is the per-zone state spec §4.H's state machine drives.
type XfrdZone struct {
	Zone     *Zone
	State    XfrZoneState
	Primary  int // index into Zone.Primaries, round-robin on failure
	Timer    RefreshTimer
	LastSOA  uint32
	pending  chan struct{}
}

// Xfrd is the transfer daemon: one reactor goroutine per zone's timer plus
// a shared, bounded TCP connection pool (spec §4.H / §5).
type Xfrd struct {
	Zones map[string]*XfrdZone
	Pool  *TCPPool
	Keys  *TSIGKeyTable
	Notify chan NotifyEvent

	journal *Journal
}

// NotifyEvent is a received NOTIFY that should fast-track a zone to
// refreshing, resetting its retry counter (spec §4.H).
type NotifyEvent struct {
	ZoneName string
	From     string
	Serial   uint32
}

// NewXfrd constructs the daemon; call Run per zone in its own goroutine.
func NewXfrd(keys *TSIGKeyTable, poolSize int, journal *Journal) *Xfrd {
	return &Xfrd{
		Zones:   make(map[string]*XfrdZone),
		Pool:    NewTCPPool(poolSize),
		Keys:    keys,
		Notify:  make(chan NotifyEvent, 64),
		journal: journal,
	}
}

// AddZone registers a secondary zone with the daemon, starting it in the
// expired state (spec §4.H: a freshly configured secondary has no data).
func (x *Xfrd) AddZone(z *Zone) *XfrdZone {
	xz := &XfrdZone{Zone: z, State: ZoneExpired, pending: make(chan struct{}, 1)}
	x.Zones[z.ApexName] = xz
	return xz
}

// Run drives one zone's state machine until ctx is cancelled, implementing
// spec §4.H's transition diagram and probe algorithm.
func (x *Xfrd) Run(ctx context.Context, xz *XfrdZone) {
	for {
		var wait time.Duration
		switch xz.State {
		case ZoneOK:
			wait = xz.Timer.Refresh
		case ZoneRefreshing:
			wait = 0
		case ZoneExpired:
			wait = xz.Timer.Retry
		}
		if wait <= 0 {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev := <-x.Notify:
			timer.Stop()
			if ev.ZoneName == xz.Zone.ApexName {
				xz.Timer.RetryCnt = 0
				xz.State = ZoneRefreshing
			}
			continue
		case <-timer.C:
		}
		x.probe(ctx, xz)
	}
}

// probe implements spec §4.H's probe algorithm steps 1-5.
func (x *Xfrd) probe(ctx context.Context, xz *XfrdZone) {
	if len(xz.Zone.Primaries) == 0 {
		return
	}
	primary := xz.Zone.Primaries[xz.Primary%len(xz.Zone.Primaries)]

	soa, err := x.querySOA(ctx, primary.Address, xz.Zone.Apex.String())
	if err != nil {
		x.backoff(xz)
		return
	}
	remoteSerial := soa.Serial
	localSerial := uint32(0)
	if xz.Zone.SOA != nil {
		localSerial = xz.Zone.SOA.(*dns.SOA).Serial
	}
	if !serialGT(remoteSerial, localSerial) {
		xz.Timer.Refresh = time.Duration(soa.Refresh) * time.Second
		xz.Timer.RetryCnt = 0
		xz.State = ZoneOK
		return
	}

	result := x.transferIXFR(ctx, xz, primary, localSerial, remoteSerial)
	switch result {
	case PacketTransfer, PacketNewLease:
		xz.Timer.Refresh = time.Duration(soa.Refresh) * time.Second
		xz.Timer.RetryCnt = 0
		xz.State = ZoneOK
		xz.LastSOA = remoteSerial
	default:
		x.backoff(xz)
	}
}

// serialGT implements RFC 1982 serial number arithmetic comparison.
func serialGT(a, b uint32) bool {
	return (a > b && a-b < 1<<31) || (a < b && b-a > 1<<31)
}

func (x *Xfrd) querySOA(ctx context.Context, primary, zoneName string) (*dns.SOA, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(zoneName), dns.TypeSOA)
	c := new(dns.Client)
	c.Net = "udp"
	in, _, err := c.ExchangeContext(ctx, m, primary)
	if err != nil {
		return nil, err
	}
	for _, rr := range in.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa, nil
		}
	}
	return nil, &ParseError{Kind: "no SOA in response"}
}

// transferIXFR implements spec §4.H steps 3-5 over TCP only, through
// dns.Transfer; no UDP attempt is made. A response carrying a single SOA is
// journaled as AXFR content, anything else as IXFR (§4.I).
const tcpPoolAcquireTimeout = 10 * time.Second

func (x *Xfrd) transferIXFR(ctx context.Context, xz *XfrdZone, primary ACLEntry, oldSerial, newSerial uint32) PacketResult {
	if !x.Pool.Acquire(tcpPoolAcquireTimeout) {
		Warningf("xfrd: %s: no free TCP pool slot within %s, skipping this probe", xz.Zone.ApexName, tcpPoolAcquireTimeout)
		return PacketBad
	}
	defer x.Pool.Release()

	m := new(dns.Msg)
	m.SetIxfr(dns.Fqdn(xz.Zone.Apex.String()), oldSerial, "", "")

	tr := new(dns.Transfer)
	if keyName := primary.KeyName; keyName != "" {
		if secret, algo, ok := x.Keys.Secret(keyName); ok {
			tr.TsigSecret = map[string]string{dns.Fqdn(keyName): secret}
			m.SetTsig(dns.Fqdn(keyName), algo, 300, time.Now().Unix())
		}
	}

	envelopes, err := tr.In(m, primary.Address)
	if err != nil {
		return PacketBad
	}

	var all []dns.RR
	axfrStyle := false
	soaCount := 0
	var collected [][]dns.RR
	for env := range envelopes {
		if env.Error != nil {
			return PacketBad
		}
		collected = append(collected, env.RR)
		for _, rr := range env.RR {
			if rr.Header().Rrtype == dns.TypeSOA {
				soaCount++
			}
		}
		all = append(all, env.RR...)
	}
	if soaCount == 1 {
		axfrStyle = true // primary responded with AXFR-style content (single SOA)
	}

	if axfrStyle {
		if err := x.journal.WriteAXFR(xz.Zone.ApexName, newSerial, all); err != nil {
			return PacketBad
		}
		return PacketNewLease
	}
	if err := x.journal.WriteIXFR(xz.Zone.ApexName, oldSerial, newSerial, collected); err != nil {
		return PacketBad
	}
	return PacketTransfer
}

// backoff implements spec §4.H's linear-with-cap-and-jitter retry policy.
func (x *Xfrd) backoff(xz *XfrdZone) {
	xz.Timer.RetryCnt++
	const cap = 30
	n := xz.Timer.RetryCnt
	if n > cap {
		n = cap
	}
	base := time.Duration(n) * 30 * time.Second
	jitter := time.Duration(rand.Int63n(int64(10 * time.Second)))
	xz.Timer.Retry = base + jitter
	xz.State = ZoneExpired
}

// SendNotify implements spec §4.H's "NOTIFY out", sent on local serial
// advancement to every address in the zone's notify ACL, retried up to N
// times — grounded on the teacher's notify.go SendNotify shape.
func SendNotify(zone *Zone, keys *TSIGKeyTable) {
	const maxRetries = 5
	m := new(dns.Msg)
	m.SetNotify(dns.Fqdn(zone.Apex.String()))
	c := new(dns.Client)
	for _, target := range zone.Notify {
		go func(target ACLEntry) {
			req := m.Copy()
			if target.KeyName != "" {
				if secret, algo, ok := keys.Secret(target.KeyName); ok {
					req.SetTsig(dns.Fqdn(target.KeyName), algo, 300, time.Now().Unix())
					c.TsigSecret = map[string]string{dns.Fqdn(target.KeyName): secret}
				}
			}
			for attempt := 0; attempt < maxRetries; attempt++ {
				_, _, err := c.Exchange(req, target.Address)
				if err == nil {
					return
				}
				time.Sleep(time.Duration(attempt+1) * time.Second)
			}
			Warningf("NOTIFY to %s for zone %s failed after %d attempts", target.Address, zone.ApexName, maxRetries)
		}(target)
	}
}

// handleNotifyIn answers an incoming NOTIFY (spec §4.E/§4.H) and fans it
// into the xfrd reactor as a NotifyEvent via the package-level hook; the
// concrete wiring (which *Xfrd instance) is set by InstallNotifyTarget.
func handleNotifyIn(w dns.ResponseWriter, r *dns.Msg, from interface{ String() string }) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	w.WriteMsg(m)
	if len(r.Question) != 1 || notifyTarget == nil {
		return
	}
	q := r.Question[0]
	var serial uint32
	for _, rr := range r.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			serial = soa.Serial
		}
	}
	notifyTarget <- NotifyEvent{ZoneName: foldString(strings.TrimSuffix(q.Name, ".")), Serial: serial}
}

var notifyTarget chan NotifyEvent

// InstallNotifyTarget wires incoming NOTIFY messages to this daemon's
// reactor; called once during startup after NewXfrd.
func InstallNotifyTarget(x *Xfrd) { notifyTarget = x.Notify }
