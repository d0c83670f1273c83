package nsd

// ZoneOption is the closed set of recognised zone options from spec §6.4.
type ZoneOption uint8

const (
	OptAllowAXFRFallback ZoneOption = iota
	OptMultiPrimaryCheck
	OptVerifyZone
	OptFrozen
	OptDirty
)

var zoneOptionToString = map[ZoneOption]string{
	OptAllowAXFRFallback: "allow-axfr-fallback",
	OptMultiPrimaryCheck: "multi-primary-check",
	OptVerifyZone:        "verify-zone",
	OptFrozen:            "frozen",
	OptDirty:             "dirty",
}

var stringToZoneOption = func() map[string]ZoneOption {
	m := make(map[string]ZoneOption, len(zoneOptionToString))
	for k, v := range zoneOptionToString {
		m[v] = k
	}
	return m
}()

func (o ZoneOption) String() string { return zoneOptionToString[o] }

// RRLType is spec §4.F's response classification set.
type RRLType uint8

const (
	RRLNxdomain RRLType = iota
	RRLError
	RRLQtypeAny
	RRLReferral
	RRLWildcard
	RRLNodata
	RRLPositive
)

var rrlTypeToString = map[RRLType]string{
	RRLNxdomain: "nxdomain",
	RRLError:    "error",
	RRLQtypeAny: "qtype-any",
	RRLReferral: "referral",
	RRLWildcard: "wildcard",
	RRLNodata:   "nodata",
	RRLPositive: "positive",
}

func (t RRLType) String() string { return rrlTypeToString[t] }

// XfrZoneState is spec §4.H's xfrd state machine, names reused verbatim from
// NSD's own xfrd.h (xfrd_zone_ok/_refreshing/_expired) per SPEC_FULL.md's
// original_source/ supplement.
type XfrZoneState uint8

const (
	ZoneOK XfrZoneState = iota
	ZoneRefreshing
	ZoneExpired
)

func (s XfrZoneState) String() string {
	switch s {
	case ZoneOK:
		return "ok"
	case ZoneRefreshing:
		return "refreshing"
	case ZoneExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// PacketResult mirrors NSD's xfrd_packet_result enum (xfrd.h).
type PacketResult uint8

const (
	PacketMore PacketResult = iota
	PacketNewLease
	PacketTransfer
	PacketNotImpl
	PacketBad
)
