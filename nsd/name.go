package nsd

import (
	"github.com/miekg/dns"
)

// MaxNameLen is the wire-format limit on an encoded domain name, RFC 1035 §3.1.
const MaxNameLen = 255

// MaxLabels is the wire-format limit on the number of labels in a domain name.
const MaxLabels = 127

// Name is an immutable, normalised domain name. Escaping, FQDN normalisation
// and wire encode/decode are all delegated to github.com/miekg/dns rather
// than reimplemented: dns.Fqdn, dns.PackDomainName and dns.UnpackDomainName
// already parse RFC 1035 §5.1 presentation escapes and build/validate the
// length-prefixed wire form. Name layers the DNSSEC canonical-ordering and
// nametree-key concerns spec §4.A/§4.B need on top, since the library has no
// exported canonical comparator.
type Name struct {
	fqdn    string // presentation form, trailing dot, as produced by dns.UnpackDomainName/dns.Fqdn
	wire    []byte // length-prefixed labels, terminated by the root label
	offsets []int  // byte offset of each label's length byte, root last
}

// InvalidName is returned by MakeName when the input cannot be parsed.
type InvalidName struct {
	Reason string
}

func (e *InvalidName) Error() string { return "invalid name: " + e.Reason }

// MakeName parses wire-format (length-prefixed, no compression) label bytes
// into a Name. Compression pointers must already have been resolved by the
// caller (decode step of §4.E) before this is called; dns.UnpackDomainName
// is handed the bytes as a standalone one-name "message" so a pointer found
// here has nothing valid to point at and is rejected as malformed.
func MakeName(wire []byte) (*Name, error) {
	if len(wire) == 0 {
		return nil, &InvalidName{"empty"}
	}
	s, end, err := dns.UnpackDomainName(wire, 0)
	if err != nil {
		return nil, &InvalidName{err.Error()}
	}
	if end != len(wire) {
		return nil, &InvalidName{"trailing data after name"}
	}
	offsets, err := labelOffsets(wire[:end])
	if err != nil {
		return nil, err
	}
	if len(offsets) > MaxLabels+1 {
		return nil, &InvalidName{"too many labels"}
	}
	buf := make([]byte, end)
	copy(buf, wire[:end])
	return &Name{fqdn: dns.Fqdn(s), wire: buf, offsets: offsets}, nil
}

// MakeNameFromString parses a presentation-format name ("www.example.com.")
// into wire form via dns.PackDomainName, which performs the RFC 1035 §5.1
// backslash-escape unpacking itself.
func MakeNameFromString(s string) (*Name, error) {
	fqdn := dns.Fqdn(s)
	if len(fqdn) > MaxNameLen+1 { // +1: presentation form carries the trailing dot
		return nil, &InvalidName{"name too long"}
	}
	buf := make([]byte, MaxNameLen+1)
	n, err := dns.PackDomainName(fqdn, buf, 0, nil, false)
	if err != nil {
		return nil, &InvalidName{err.Error()}
	}
	return MakeName(buf[:n])
}

// labelOffsets walks already-validated wire bytes recording each label's
// length-byte offset, root last, for Name.Label's O(1) access.
func labelOffsets(wire []byte) ([]int, error) {
	var offsets []int
	i := 0
	for {
		if i >= len(wire) {
			return nil, &InvalidName{"truncated label"}
		}
		l := int(wire[i])
		if l&0xc0 != 0 {
			return nil, &InvalidName{"compression pointer not resolved"}
		}
		offsets = append(offsets, i)
		if l == 0 {
			return offsets, nil
		}
		if l > 63 {
			return nil, &InvalidName{"label too long"}
		}
		i += 1 + l
		if i > len(wire) {
			return nil, &InvalidName{"label overruns name"}
		}
	}
}

// LabelCount returns the number of labels including the root label.
func (n *Name) LabelCount() int { return len(n.offsets) }

// Wire returns the raw wire-format bytes. Callers must not mutate it.
func (n *Name) Wire() []byte { return n.wire }

// Label returns the i'th label's bytes (length-prefixed byte excluded),
// 0-indexed from the leftmost (most specific) label.
func (n *Name) Label(i int) []byte {
	if i < 0 || i >= len(n.offsets)-1 {
		return nil
	}
	off := n.offsets[i]
	l := int(n.wire[off])
	return n.wire[off+1 : off+1+l]
}

// foldByte folds A-Z to a-z.
func foldByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// Equal reports whether two names are equal under ASCII case folding.
func (n *Name) Equal(other *Name) bool {
	if n == nil || other == nil {
		return n == other
	}
	if len(n.wire) != len(other.wire) {
		return false
	}
	for i := range n.wire {
		if foldByte(n.wire[i]) != foldByte(other.wire[i]) {
			return false
		}
	}
	return true
}

// IsSubdomainOf reports whether n is equal to or a subdomain of other. This
// mirrors dns.IsSubDomain's label-suffix semantics but works off the
// already-parsed wire offsets instead of re-splitting presentation strings.
func (n *Name) IsSubdomainOf(other *Name) bool {
	nl, ol := n.LabelCount(), other.LabelCount()
	if ol > nl {
		return false
	}
	offN := n.offsets[nl-ol]
	return foldEqual(n.wire[offN:], other.wire)
}

func foldEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if foldByte(a[i]) != foldByte(b[i]) {
			return false
		}
	}
	return true
}

// CompareCanonical implements DNSSEC canonical (label-reversed lexicographic,
// case-folded) ordering per RFC 4034 §6.1: negative if n < other, 0 if equal,
// positive if n > other. miekg/dns has no exported canonical comparator (its
// internal one backs NSEC record sorting only), so this is original to
// component A.
func (n *Name) CompareCanonical(other *Name) int {
	nl, ol := n.LabelCount()-1, other.LabelCount()-1 // exclude root
	i, j := nl-1, ol-1
	for i >= 0 && j >= 0 {
		a, b := n.Label(i), other.Label(j)
		if c := compareLabelFolded(a, b); c != 0 {
			return c
		}
		i--
		j--
	}
	switch {
	case i < 0 && j < 0:
		return 0
	case i < 0:
		return -1
	default:
		return 1
	}
}

func compareLabelFolded(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		fa, fb := foldByte(a[i]), foldByte(b[i])
		if fa != fb {
			if fa < fb {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Hash returns a case-folded FNV-1a hash of the name, suitable for use as a
// map key alongside Equal for collision resolution.
func (n *Name) Hash() uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range n.wire {
		h ^= uint64(foldByte(b))
		h *= 1099511628211
	}
	return h
}

// String renders the name in presentation format, as produced by
// dns.UnpackDomainName/dns.Fqdn at construction time.
func (n *Name) String() string {
	if n.LabelCount() <= 1 {
		return "."
	}
	return n.fqdn
}

// CanonicalKey returns a reversed-label, case-folded byte string used as the
// nametree key so that zone subtrees are contiguous (§4.B).
func (n *Name) CanonicalKey() []byte {
	key := make([]byte, 0, len(n.wire))
	for i := n.LabelCount() - 2; i >= 0; i-- {
		for _, b := range n.Label(i) {
			key = append(key, foldByte(b))
		}
		key = append(key, 0) // label separator, sorts before any label byte
	}
	return key
}

// CompressionTable maps a case-folded suffix key to the first wire offset at
// which that suffix was emitted in the current response (§4.A). Its map
// shape matches dns.PackDomainName's own compression-map parameter
// (map[string]int of lowercased name -> offset) so PackName below can hand
// it straight to the library instead of re-deriving pointer math by hand.
// In practice HandleQuery builds responses as a *dns.Msg and lets
// dns.Msg.Pack (m.Compress = true) compute its own compression map when
// the message is finally serialised in netio.go; CompressionTable exists so
// a caller that assembles a response by hand can still get compressed
// names without depending on dns.Msg's unexported internals. No code in
// this package outside name_test.go uses it.
type CompressionTable struct {
	offsets map[string]int
}

// NewCompressionTable returns an empty table, reset at the start of every
// response per spec.
func NewCompressionTable() *CompressionTable {
	return &CompressionTable{offsets: make(map[string]int)}
}

// Lookup returns the stored offset for the exact suffix key and whether it
// was an exact hit for the full name (used by the caller to walk label by
// label from the full name down to the root looking for the longest match).
func (c *CompressionTable) Lookup(sufKey string) (int, bool) {
	off, ok := c.offsets[sufKey]
	return off, ok
}

// Record stores offset for sufKey if offset fits in a 14-bit pointer field
// and the suffix has not already been recorded.
func (c *CompressionTable) Record(sufKey string, offset int) {
	if offset >= 1<<14 {
		return
	}
	if _, exists := c.offsets[sufKey]; exists {
		return
	}
	c.offsets[sufKey] = offset
}

// PackName packs name into buf at off using dns.PackDomainName, sharing
// compression pointers with the rest of the response through ct's map.
func PackName(name string, buf []byte, off int, ct *CompressionTable, compress bool) (int, error) {
	return dns.PackDomainName(dns.Fqdn(name), buf, off, ct.offsets, compress)
}
