package nsd

import (
	"path/filepath"
	"testing"
)

func TestUdbOpenCreatesImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.udb")
	u, err := OpenUdb(path)
	if err != nil {
		t.Fatalf("OpenUdb: %v", err)
	}
	if len(u.image) < udbHeaderSize {
		t.Errorf("expected at least a header-sized image")
	}
	if string(u.image[:8]) != udbMagic {
		t.Errorf("magic not written")
	}
}

func TestUdbAllocFreeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	u, err := OpenUdb(filepath.Join(dir, "test.udb"))
	if err != nil {
		t.Fatalf("OpenUdb: %v", err)
	}
	p, err := u.Alloc(32, ChunkDomain)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if p == nullPtr {
		t.Fatalf("Alloc returned null pointer")
	}
	u.Free(p)
	p2, err := u.Alloc(32, ChunkDomain)
	if err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if p2 != p {
		t.Errorf("expected freed chunk to be reused, got new offset %d vs freed %d", p2, p)
	}
}

func TestUdbAllocDistinctSizeClasses(t *testing.T) {
	dir := t.TempDir()
	u, err := OpenUdb(filepath.Join(dir, "test.udb"))
	if err != nil {
		t.Fatalf("OpenUdb: %v", err)
	}
	small, _ := u.Alloc(8, ChunkDomain)
	big, _ := u.Alloc(1000, ChunkRRset)
	if small == big {
		t.Errorf("distinct allocations must not alias")
	}
}

func TestUdbPtrSetEnrollsInPointerList(t *testing.T) {
	dir := t.TempDir()
	u, err := OpenUdb(filepath.Join(dir, "test.udb"))
	if err != nil {
		t.Fatalf("OpenUdb: %v", err)
	}
	holder, _ := u.Alloc(16, ChunkDomain)
	target, _ := u.Alloc(16, ChunkRRset)
	u.PtrSet(holder, target)
	destOff := target - chunkHeaderSize
	h := u.readChunkHeader(destOff)
	if h.ptrHead != holder {
		t.Errorf("expected pointer list head to be the holder offset, got %d want %d", h.ptrHead, holder)
	}
}

func TestUdbReopenPreservesHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.udb")
	u, err := OpenUdb(path)
	if err != nil {
		t.Fatalf("OpenUdb: %v", err)
	}
	if _, err := u.Alloc(16, ChunkZoneHeader); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := u.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	u2, err := OpenUdb(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if string(u2.image[:8]) != udbMagic {
		t.Errorf("magic lost across reopen")
	}
}
