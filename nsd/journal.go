package nsd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/nsdgo/nsd/nsd/ixfr"
)

// Journal implements spec §4.I's per-transfer IXFR file sequence and queues
// the matching tasks on a TaskRing (held in memory, see TaskRing below). Its
// records are built from the nsd/ixfr DiffSequence model, reworked in place
// from the teacher's copy, which expresses spec §4.I's "delete/add blocks
// per SOA transition" shape directly.
type Journal struct {
	dir       string
	nextFileNum uint64

	ring *TaskRing
}

// NewJournal opens (creating if absent) the journal directory.
func NewJournal(dir string, ring *TaskRing) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &StorageError{Op: "mkdir journal dir", Errno: err}
	}
	return &Journal{dir: dir, ring: ring}, nil
}

func (j *Journal) allocFileNum() uint64 {
	return atomic.AddUint64(&j.nextFileNum, 1)
}

// WriteIXFR writes one incremental transfer's envelopes to a new journal
// file named by a monotonic 64-bit number, per spec §4.I / §6.2, then
// enqueues an apply-xfr task on the active task-ring bank.
func (j *Journal) WriteIXFR(zoneName string, oldSerial, newSerial uint32, envelopes [][]dns.RR) error {
	num := j.allocFileNum()
	path := filepath.Join(j.dir, fmt.Sprintf("ixfr.%020d", num))
	f, err := os.Create(path)
	if err != nil {
		return &StorageError{Op: "create ixfr file", Errno: err}
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	fake := new(dns.Msg)
	for _, env := range envelopes {
		fake.Answer = append(fake.Answer, env...)
	}
	diffSeq := ixfr.IxfrFromResponse(fake)

	if err := binary.Write(w, binary.BigEndian, uint32(len(diffSeq.DiffSequences))); err != nil {
		return &StorageError{Op: "write record count", Errno: err}
	}
	for seq, ds := range diffSeq.DiffSequences {
		packed, err := packDiffSequence(ds)
		if err != nil {
			return &StorageError{Op: "pack diff sequence", Errno: err}
		}
		hdr := ixfrRecordHeader{
			ZoneName:   zoneName,
			OldSerial:  ds.StartSOASerial,
			NewSerial:  ds.EndSOASerial,
			SeqNr:      uint32(seq),
			Length:     uint32(len(packed)),
			NumDeleted: uint32(len(ds.DeletedRecords)),
			NumAdded:   uint32(len(ds.AddedRecords)),
		}
		if err := writeIxfrRecord(w, hdr, packed); err != nil {
			return &StorageError{Op: "write ixfr record", Errno: err}
		}
	}
	if err := writeCommitRecord(w, len(diffSeq.DiffSequences), "ok"); err != nil {
		return &StorageError{Op: "write commit record", Errno: err}
	}
	if err := w.Flush(); err != nil {
		return &StorageError{Op: "flush ixfr file", Errno: err}
	}

	j.ring.Push(Task{Kind: TaskApplyXFR, ZoneName: zoneName, FileNum: num, OldSerial: oldSerial, NewSerial: newSerial})
	return nil
}

// WriteAXFR writes a full-transfer result, bypassing the diff-sequence model
// (spec §4.H step 4: "transparently handle it as AXFR").
func (j *Journal) WriteAXFR(zoneName string, newSerial uint32, rrs []dns.RR) error {
	num := j.allocFileNum()
	path := filepath.Join(j.dir, fmt.Sprintf("axfr.%020d", num))
	f, err := os.Create(path)
	if err != nil {
		return &StorageError{Op: "create axfr file", Errno: err}
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	var payload []byte
	for _, rr := range rrs {
		b := make([]byte, dns.Len(rr)+1)
		n, err := dns.PackRR(rr, b, 0, nil, false)
		if err != nil {
			return &StorageError{Op: "pack rr", Errno: err}
		}
		payload = append(payload, b[:n]...)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(1)); err != nil {
		return &StorageError{Op: "write record count", Errno: err}
	}
	hdr := ixfrRecordHeader{ZoneName: zoneName, OldSerial: 0, NewSerial: newSerial, SeqNr: 0, Length: uint32(len(payload)), NumDeleted: 0, NumAdded: uint32(len(rrs))}
	if err := writeIxfrRecord(w, hdr, payload); err != nil {
		return &StorageError{Op: "write axfr record", Errno: err}
	}
	if err := writeCommitRecord(w, 1, "ok"); err != nil {
		return &StorageError{Op: "write commit record", Errno: err}
	}
	if err := w.Flush(); err != nil {
		return &StorageError{Op: "flush axfr file", Errno: err}
	}
	j.ring.Push(Task{Kind: TaskApplyXFR, ZoneName: zoneName, FileNum: num, NewSerial: newSerial})
	return nil
}

// ixfrRecordHeader frames one (delete-block, add-block) diff sequence (or,
// for AXFR, the whole zone as a single add-only block) inside a journal
// file. NumDeleted/NumAdded let Apply split the concatenated packed RR
// payload back into its two halves without re-parsing wire format to find
// the boundary.
type ixfrRecordHeader struct {
	ZoneName   string
	OldSerial  uint32
	NewSerial  uint32
	SeqNr      uint32
	Length     uint32
	NumDeleted uint32
	NumAdded   uint32
}

func writeIxfrRecord(w *bufio.Writer, hdr ixfrRecordHeader, payload []byte) error {
	nameB := []byte(hdr.ZoneName)
	if err := binary.Write(w, binary.BigEndian, uint16(len(nameB))); err != nil {
		return err
	}
	if _, err := w.Write(nameB); err != nil {
		return err
	}
	for _, v := range []uint32{hdr.OldSerial, hdr.NewSerial, hdr.SeqNr, hdr.Length, hdr.NumDeleted, hdr.NumAdded} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(payload)
	return err
}

// readIxfrRecord reads back one record written by writeIxfrRecord.
func readIxfrRecord(r io.Reader) (ixfrRecordHeader, []byte, error) {
	var hdr ixfrRecordHeader
	var nameLen uint16
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return hdr, nil, err
	}
	nameB := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameB); err != nil {
		return hdr, nil, err
	}
	hdr.ZoneName = string(nameB)
	for _, v := range []*uint32{&hdr.OldSerial, &hdr.NewSerial, &hdr.SeqNr, &hdr.Length, &hdr.NumDeleted, &hdr.NumAdded} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return hdr, nil, err
		}
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, err
	}
	return hdr, payload, nil
}

// unpackRRs unpacks count consecutive wire-format RRs from payload starting
// at off, returning them along with the offset just past the last one.
func unpackRRs(payload []byte, off int, count uint32) ([]dns.RR, int, error) {
	out := make([]dns.RR, 0, count)
	for i := uint32(0); i < count; i++ {
		rr, next, err := dns.UnpackRR(payload, off)
		if err != nil {
			return nil, off, fmt.Errorf("unpack rr %d/%d: %w", i+1, count, err)
		}
		out = append(out, rr)
		off = next
	}
	return out, off, nil
}

// journalFilePath locates the on-disk journal file for a given file number,
// trying the IXFR naming first since incremental transfers outnumber full
// ones in steady-state operation.
func (j *Journal) journalFilePath(num uint64) (string, error) {
	ixfrPath := filepath.Join(j.dir, fmt.Sprintf("ixfr.%020d", num))
	if _, err := os.Stat(ixfrPath); err == nil {
		return ixfrPath, nil
	}
	axfrPath := filepath.Join(j.dir, fmt.Sprintf("axfr.%020d", num))
	if _, err := os.Stat(axfrPath); err == nil {
		return axfrPath, nil
	}
	return "", fmt.Errorf("no journal file for file number %d", num)
}

func writeCommitRecord(w *bufio.Writer, seqCount int, status string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(seqCount)); err != nil {
		return err
	}
	sb := []byte(status)
	if err := binary.Write(w, binary.BigEndian, uint16(len(sb))); err != nil {
		return err
	}
	_, err := w.Write(sb)
	return err
}

// packDiffSequence serialises one add/delete block to wire-format RRs
// concatenated, for later replay by the server-side apply step.
func packDiffSequence(ds ixfr.DiffSequence) ([]byte, error) {
	var out []byte
	for _, rr := range ds.DeletedRecords {
		b := make([]byte, dns.Len(rr)+1)
		n, err := dns.PackRR(rr, b, 0, nil, false)
		if err != nil {
			return nil, err
		}
		out = append(out, b[:n]...)
	}
	for _, rr := range ds.AddedRecords {
		b := make([]byte, dns.Len(rr)+1)
		n, err := dns.PackRR(rr, b, 0, nil, false)
		if err != nil {
			return nil, err
		}
		out = append(out, b[:n]...)
	}
	return out, nil
}

// Apply replays a journal-written IXFR/AXFR onto the in-memory zone, per
// spec §4.I: "a consistency check (SOA serial matches) guards partial
// writes... on failure the zone is flagged bad." Replay itself reads the
// journal file named by task.FileNum back off disk and runs each
// diff-sequence's delete block then add block through Zone.DeleteRR/AddRR,
// in file order, then bumps the zone's own SOA serial to task.NewSerial:
// DiffSequence never carries the SOA RR itself (ixfr.DiffSequence tracks
// serials numerically, see nsd/ixfr/diffsequence.go), so AddRR's apex-SOA
// auto-detection has nothing to fire on and the serial has to be set
// explicitly once the rest of the delta has landed.
func (j *Journal) Apply(zone *Zone, task Task) error {
	if zone.SOA != nil {
		if soa, ok := zone.SOA.(*dns.SOA); ok && task.OldSerial != 0 &&
			soa.Serial != task.OldSerial && soa.Serial != task.NewSerial {
			// soa.Serial == task.NewSerial already means this exact delta was
			// applied before (Testable Property 4's idempotent re-apply);
			// anything else is a genuine gap in the serial chain.
			zone.IsBad = true
			zone.BadReason = "serial mismatch on journal apply"
			return &StorageError{Op: "apply", Errno: fmt.Errorf("expected serial %d, zone at %d", task.OldSerial, soa.Serial)}
		}
	}

	path, err := j.journalFilePath(task.FileNum)
	if err != nil {
		return &StorageError{Op: "apply", Errno: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return &StorageError{Op: "open journal file", Errno: err}
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var numRecords uint32
	if err := binary.Read(r, binary.BigEndian, &numRecords); err != nil {
		return &StorageError{Op: "read journal record count", Errno: err}
	}

	for i := uint32(0); i < numRecords; i++ {
		hdr, payload, err := readIxfrRecord(r)
		if err != nil {
			return &StorageError{Op: "read journal record", Errno: err}
		}
		deleted, off, err := unpackRRs(payload, 0, hdr.NumDeleted)
		if err != nil {
			return &StorageError{Op: "unpack deleted records", Errno: err}
		}
		added, _, err := unpackRRs(payload, off, hdr.NumAdded)
		if err != nil {
			return &StorageError{Op: "unpack added records", Errno: err}
		}
		// Idempotence (Testable Property 4): re-applying the same file is
		// safe because AddRR dedups and DeleteRR on an absent RR is a no-op.
		for _, rr := range deleted {
			dom := zone.FindOrCreateDomain(rr.Header().Name)
			if err := zone.DeleteRR(dom, rr); err != nil {
				return &StorageError{Op: "replay deleted record", Errno: err}
			}
		}
		for _, rr := range added {
			dom := zone.FindOrCreateDomain(rr.Header().Name)
			if err := zone.AddRR(dom, rr); err != nil {
				return &StorageError{Op: "replay added record", Errno: err}
			}
		}
	}

	if zone.SOA != nil {
		if soa, ok := zone.SOA.(*dns.SOA); ok && task.NewSerial != 0 {
			soa.Serial = task.NewSerial
		}
	}
	zone.IsUpdated = true
	return nil
}

// TaskKind enumerates spec §3's Task message kinds.
type TaskKind uint8

const (
	TaskAddZone TaskKind = iota
	TaskDeleteZone
	TaskApplyXFR
	TaskCheckZonefiles
	TaskApplyPattern
	TaskSetVerbosity
	TaskAddCatalogMember
	TaskCheckChildOwner
)

// Task is spec §3's Task record, the unit carried by the TaskRing.
type Task struct {
	Kind      TaskKind
	ZoneName  string
	FileNum   uint64
	OldSerial uint32
	NewSerial uint32
	Pattern   string
}

// TaskRing implements spec §4.I's task ring: two banks (active/standby),
// xfrd writes to the active bank, reload swaps roles (spec §4.K step 4).
// Modelled as in-memory slices guarded by a mutex rather than literal udb
// chunks (§4.D's udb is implemented separately in udb.go and used for the
// zone DB image; the task ring's persistence need is "survive a reload
// within one running process tree", which a mutex-guarded slice satisfies
// without the relocatable-pointer machinery udb exists for).
type TaskRing struct {
	mu      sync.Mutex
	active  int // 0 or 1
	banks   [2][]Task
}

// NewTaskRing returns an empty ring.
func NewTaskRing() *TaskRing { return &TaskRing{} }

// Push appends a task to the active bank.
func (r *TaskRing) Push(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banks[r.active] = append(r.banks[r.active], t)
}

// Swap implements spec §4.K step 4: "xfrd swaps active/standby banks",
// returning the bank the server should now drain.
func (r *TaskRing) Swap() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.active
	r.active = 1 - prev
	tasks := r.banks[prev]
	r.banks[prev] = nil
	return tasks
}
