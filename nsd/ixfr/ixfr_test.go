package ixfr

import (
	"testing"

	"github.com/miekg/dns"
)

// rfc1995Example builds the example transfer from RFC 1995 §7.
func rfc1995Example() *dns.Msg {
	response := new(dns.Msg)
	response.Answer = makeRRSlice(
		"jain.ad.jp         SOA NS.JAIN.AD.JP. mohta.jain.ad.jp. 3 600 600 3600000 604800",
		"jain.ad.jp         SOA NS.JAIN.AD.JP. mohta.jain.ad.jp. 1 600 600 3600000 604800",
		"nezu.jain.ad.jp    A   133.69.136.5",
		"jain.ad.jp         SOA NS.JAIN.AD.JP. mohta.jain.ad.jp. 2 600 600 3600000 604800",
		"jain-bb.jain.ad.jp A   133.69.136.4",
		"jain-bb.jain.ad.jp A   192.41.197.2",
		"jain.ad.jp         SOA NS.JAIN.AD.JP. mohta.jain.ad.jp. 2 600 600 3600000 604800",
		"jain-bb.jain.ad.jp A   133.69.136.4",
		"jain.ad.jp         SOA NS.JAIN.AD.JP. mohta.jain.ad.jp. 3 600 600 3600000 604800",
		"jain-bb.jain.ad.jp A   133.69.136.3",
		"jain.ad.jp         SOA NS.JAIN.AD.JP. mohta.jain.ad.jp. 3 600 600 3600000 604800",
	)
	return response
}

func mustSequence(t *testing.T, start, end uint32, added, deleted []string) DiffSequence {
	t.Helper()
	ds := CreateDiffSequence(start, end)
	for _, a := range added {
		if err := ds.AddAdded(a); err != nil {
			t.Fatalf("AddAdded(%q): %v", a, err)
		}
	}
	for _, d := range deleted {
		if err := ds.AddDeleted(d); err != nil {
			t.Fatalf("AddDeleted(%q): %v", d, err)
		}
	}
	return ds
}

func TestIxfrFromResponseMatchesRFC1995Example(t *testing.T) {
	want := Ixfr{InitialSOASerial: 1, FinalSOASerial: 3, DiffSequences: []DiffSequence{}}
	want.AddDiffSequence(mustSequence(t, 1, 2,
		[]string{"jain-bb.jain.ad.jp A 133.69.136.4", "jain-bb.jain.ad.jp A 192.41.197.2"},
		[]string{"nezu.jain.ad.jp A 133.69.136.5"},
	))
	want.AddDiffSequence(mustSequence(t, 2, 3,
		[]string{"jain-bb.jain.ad.jp A 133.69.136.3"},
		[]string{"jain-bb.jain.ad.jp A 133.69.136.4"},
	))

	got := IxfrFromResponse(rfc1995Example())
	if !got.Equals(want) {
		t.Errorf("got:\n%+v\nwant:\n%+v", got, want)
	}
}

func TestIxfrGetAddedAndDeleted(t *testing.T) {
	ix := IxfrFromResponse(rfc1995Example())

	wantAdded := makeRRSlice(
		"jain-bb.jain.ad.jp A   133.69.136.3",
		"jain-bb.jain.ad.jp A   192.41.197.2",
	)
	if added := ix.GetAdded(); !rrEquals(added, wantAdded) {
		t.Errorf("GetAdded() = %+v, want %+v", added, wantAdded)
	}

	wantDeleted := makeRRSlice("nezu.jain.ad.jp    A   133.69.136.5")
	if deleted := ix.GetDeleted(); !rrEquals(deleted, wantDeleted) {
		t.Errorf("GetDeleted() = %+v, want %+v", deleted, wantDeleted)
	}
}

func TestIxfrFromResponseDetectsAxfrFallback(t *testing.T) {
	response := new(dns.Msg)
	response.Answer = makeRRSlice(
		"example.com. SOA ns.example.com. hostmaster.example.com. 5 600 600 3600000 604800",
		"example.com. NS ns.example.com.",
		"ns.example.com. A 192.0.2.1",
	)
	ix := IxfrFromResponse(response)
	if !ix.IsAxfr {
		t.Errorf("a response whose second RR is not an SOA must be treated as an AXFR fallback")
	}
	if ix.FinalSOASerial != 5 {
		t.Errorf("FinalSOASerial = %d, want 5", ix.FinalSOASerial)
	}
	if len(ix.AxfrRRs) != len(response.Answer) {
		t.Errorf("AxfrRRs should carry the whole answer section verbatim")
	}
}

func TestIxfrFromResponseEmptyAnswer(t *testing.T) {
	ix := IxfrFromResponse(new(dns.Msg))
	if ix.IsAxfr || len(ix.DiffSequences) != 0 {
		t.Errorf("an empty answer section should not classify as either axfr or a diff chain")
	}
}
