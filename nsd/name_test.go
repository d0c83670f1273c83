package nsd

import "testing"

func TestMakeNameFromStringRoundTrip(t *testing.T) {
	cases := []string{"www.example.com.", "example.com.", "."}
	for _, c := range cases {
		n, err := MakeNameFromString(c)
		if err != nil {
			t.Fatalf("MakeNameFromString(%q): %v", c, err)
		}
		if got := n.String(); got != c {
			t.Errorf("String() = %q, want %q", got, c)
		}
	}
}

func TestNameEqualCaseFold(t *testing.T) {
	a, _ := MakeNameFromString("WWW.Example.COM.")
	b, _ := MakeNameFromString("www.example.com.")
	if !a.Equal(b) {
		t.Errorf("expected case-insensitive equality")
	}
}

func TestIsSubdomainOf(t *testing.T) {
	child, _ := MakeNameFromString("www.example.com.")
	parent, _ := MakeNameFromString("example.com.")
	other, _ := MakeNameFromString("example.net.")
	if !child.IsSubdomainOf(parent) {
		t.Errorf("expected www.example.com. to be a subdomain of example.com.")
	}
	if child.IsSubdomainOf(other) {
		t.Errorf("did not expect www.example.com. to be a subdomain of example.net.")
	}
	if !parent.IsSubdomainOf(parent) {
		t.Errorf("a name should be a subdomain of itself")
	}
}

func TestCompareCanonical(t *testing.T) {
	a, _ := MakeNameFromString("a.example.com.")
	b, _ := MakeNameFromString("b.example.com.")
	if a.CompareCanonical(b) >= 0 {
		t.Errorf("expected a.example.com. < b.example.com. in canonical order")
	}
	if b.CompareCanonical(a) <= 0 {
		t.Errorf("expected b.example.com. > a.example.com. in canonical order")
	}
	if a.CompareCanonical(a) != 0 {
		t.Errorf("expected equal name to compare 0")
	}
}

func TestMakeNameTooLong(t *testing.T) {
	label := make([]byte, 64) // one byte over the 63-byte label limit
	for i := range label {
		label[i] = 'a'
	}
	wire := append([]byte{byte(len(label))}, label...)
	wire = append(wire, 0)
	if _, err := MakeName(wire); err == nil {
		t.Errorf("expected error for over-length label")
	}
}

func TestCompressionTableRecordsOnce(t *testing.T) {
	ct := NewCompressionTable()
	ct.Record("example.com", 12)
	ct.Record("example.com", 99) // must not overwrite the first offset
	off, ok := ct.Lookup("example.com")
	if !ok || off != 12 {
		t.Errorf("got (%d,%v), want (12,true)", off, ok)
	}
}

func TestCompressionTableRejectsLargeOffsets(t *testing.T) {
	ct := NewCompressionTable()
	ct.Record("example.com", 1<<14)
	if _, ok := ct.Lookup("example.com"); ok {
		t.Errorf("offsets >= 2^14 must not be recorded")
	}
}
