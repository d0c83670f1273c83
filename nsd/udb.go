package nsd

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// Udb implements spec §4.D: a single file memory-mapped by every process
// holding the DB, laid out as a fixed header followed by a power-of-two
// chunk arena. This implementation uses ordinary file I/O plus an
// in-process byte buffer as the "mapped" image (mmap itself is OS/syscall
// plumbing outside the core per spec §1's scope list). OpenUdb is the only
// constructor: it reads the whole file into memory, and Sync writes it back.
// There is no variant of Udb over a memory-mapped file.
const (
	udbMagic         = "NSDUDB1\x00"
	udbHeaderSize    = 64
	udbMinChunkExp   = 4  // smallest chunk is 16 bytes
	udbMaxChunkExp   = 30 // 1 GiB, beyond which a chunk is "XL" with explicit size
	udbXLExponent    = 31
)

// ChunkType tags what a chunk holds, used by Walk's callback dispatch.
type ChunkType uint8

const (
	ChunkFree ChunkType = iota
	ChunkZoneHeader
	ChunkDomain
	ChunkRRset
	ChunkXL
	ChunkZoneSnapshot // nsd/zonesnapshot.go: a whole zone packed as one length-prefixed RR stream
)

// RelPtr is spec §4.D's relocatable pointer: a file-offset reference whose
// location PtrSet records in the destination chunk's header (see PtrSet for
// what is kept there).
type RelPtr uint64

const nullPtr RelPtr = 0

type chunkHeader struct {
	exponent uint8
	typ      ChunkType
	flags    uint8
	_pad     uint8
	xlSize   uint32  // only meaningful when exponent == udbXLExponent
	ptrHead  RelPtr  // location of the most recent PtrSet that targeted this chunk
}

const chunkHeaderSize = 1 + 1 + 1 + 1 + 4 + 8

// Udb is the in-process representation of the mapped image.
type Udb struct {
	mu       sync.Mutex
	path     string
	image    []byte // the full file contents, held in memory for this implementation
	freeList [udbMaxChunkExp + 1][]RelPtr

	dirtyAlloc bool
	rbOld, rbNew, rbSize, rbSeg uint64
}

// OpenUdb implements spec §4.D's open(path) -> Udb, creating a fresh image
// if the file does not exist, and validating the header magic/version
// otherwise (spec §6.2: "mismatch aborts open").
func OpenUdb(path string) (*Udb, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			u := &Udb{path: path, image: newUdbImage()}
			if err := u.flush(); err != nil {
				return nil, err
			}
			return u, nil
		}
		return nil, &StorageError{Op: "read udb image", Errno: err}
	}
	if len(data) < udbHeaderSize || string(data[:8]) != udbMagic {
		return nil, &StorageError{Op: "open udb", Errno: fmt.Errorf("bad magic or truncated header")}
	}
	if v := binary.BigEndian.Uint32(data[16:20]); v != 1 {
		return nil, &StorageError{Op: "open udb", Errno: fmt.Errorf("unsupported format version %d", v)}
	}
	u := &Udb{path: path, image: data}
	u.dirtyAlloc = data[8] != 0
	if u.dirtyAlloc {
		// spec §4.D: a dirty-alloc flag left set means a writer crashed
		// mid-mutation. The rollback window fields are not stored in the
		// image and start at zero here, so rollback finds an empty window
		// and only clears the flag; no partial overwrite is undone.
		u.rollback()
	}
	return u, nil
}

func newUdbImage() []byte {
	img := make([]byte, udbHeaderSize)
	copy(img[:8], udbMagic)
	binary.BigEndian.PutUint32(img[16:20], 1) // format version
	return img
}

func (u *Udb) flush() error {
	return os.WriteFile(u.path, u.image, 0o640)
}

// rollback undoes a partial overwrite using rb_old/rb_new/rb_size/rb_seg
// (spec §4.D's rollback window).
func (u *Udb) rollback() {
	if u.rbSize == 0 {
		u.dirtyAlloc = false
		return
	}
	if int(u.rbOld+u.rbSize) <= len(u.image) {
		copy(u.image[u.rbOld:u.rbOld+u.rbSize], u.image[u.rbSeg:u.rbSeg+u.rbSize])
	}
	u.rbSize = 0
	u.dirtyAlloc = false
}

// sizeClassFor returns the smallest exponent e such that 1<<e >= want plus
// the chunk header.
func sizeClassFor(want int) uint8 {
	e := uint8(udbMinChunkExp)
	for (1 << e) < want+chunkHeaderSize {
		e++
		if e > udbMaxChunkExp {
			return udbXLExponent
		}
	}
	return e
}

// Alloc implements spec §4.D's alloc(bytes, type) -> rel_ptr: takes the
// smallest free-list class that fits, extending the image when no free
// chunk of that class exists. Sets the dirty-alloc flag for the duration.
func (u *Udb) Alloc(bytes int, typ ChunkType) (RelPtr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.setDirty(true)
	defer u.setDirty(false)

	exp := sizeClassFor(bytes)
	if exp == udbXLExponent {
		return u.allocXL(bytes, typ)
	}
	if len(u.freeList[exp]) > 0 {
		p := u.freeList[exp][len(u.freeList[exp])-1]
		u.freeList[exp] = u.freeList[exp][:len(u.freeList[exp])-1]
		u.setChunkType(p, typ)
		return p, nil
	}
	return u.extend(exp, typ)
}

func (u *Udb) allocXL(bytes int, typ ChunkType) (RelPtr, error) {
	off := RelPtr(len(u.image))
	total := chunkHeaderSize + bytes
	u.image = append(u.image, make([]byte, total)...)
	u.writeChunkHeader(off, chunkHeader{exponent: udbXLExponent, typ: typ, xlSize: uint32(bytes)})
	return off + chunkHeaderSize, nil
}

func (u *Udb) extend(exp uint8, typ ChunkType) (RelPtr, error) {
	size := 1 << exp
	off := RelPtr(len(u.image))
	u.image = append(u.image, make([]byte, size)...)
	u.writeChunkHeader(off, chunkHeader{exponent: exp, typ: typ})
	return off + chunkHeaderSize, nil
}

func (u *Udb) writeChunkHeader(off RelPtr, h chunkHeader) {
	b := u.image[off:]
	b[0] = h.exponent
	b[1] = uint8(h.typ)
	b[2] = h.flags
	binary.BigEndian.PutUint32(b[4:8], h.xlSize)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.ptrHead))
}

func (u *Udb) readChunkHeader(off RelPtr) chunkHeader {
	b := u.image[off:]
	return chunkHeader{
		exponent: b[0],
		typ:      ChunkType(b[1]),
		flags:    b[2],
		xlSize:   binary.BigEndian.Uint32(b[4:8]),
		ptrHead:  RelPtr(binary.BigEndian.Uint64(b[8:16])),
	}
}

func (u *Udb) setChunkType(dataPtr RelPtr, typ ChunkType) {
	off := dataPtr - chunkHeaderSize
	u.image[off+1] = uint8(typ)
}

func (u *Udb) setDirty(v bool) {
	u.dirtyAlloc = v
	if len(u.image) > 8 {
		if v {
			u.image[8] = 1
		} else {
			u.image[8] = 0
		}
	}
}

// Free implements spec §4.D's free(rel_ptr): returns the chunk to its
// size-class free list. Freed chunks are not coalesced with their buddies.
func (u *Udb) Free(p RelPtr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	off := p - chunkHeaderSize
	h := u.readChunkHeader(off)
	if h.exponent == udbXLExponent {
		return // XL chunks are not pooled; the space is reclaimed on compaction only
	}
	u.freeList[h.exponent] = append(u.freeList[h.exponent], p)
}

// PtrSet implements spec §4.D's ptr_set(rel_ptr, target): rewrites the
// pointer at location ptrLoc to target and records ptrLoc as the ptrHead
// of target's chunk. Only the latest holder is recorded: an earlier ptrHead
// is overwritten, not linked, so a chunk pointed to from several places
// knows only the last of them.
func (u *Udb) PtrSet(ptrLoc RelPtr, target RelPtr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	binary.BigEndian.PutUint64(u.image[ptrLoc:ptrLoc+8], uint64(target))
	if target == nullPtr {
		return
	}
	destChunkOff := target - chunkHeaderSize
	h := u.readChunkHeader(destChunkOff)
	// record ptrLoc as the chunk's only known holder.
	binary.BigEndian.PutUint64(u.image[ptrLoc:ptrLoc+8], uint64(target))
	h.ptrHead = ptrLoc
	u.writeChunkHeader(destChunkOff, h)
}

// WalkFunc is provided by each stored type so Alloc/move code knows which
// byte ranges inside a chunk's data are themselves RelPtr fields.
type WalkFunc func(data []byte, cb func(ptrOffset int))

// Walk implements spec §4.D's walk(type, data, len, cb): dispatches to the
// registered WalkFunc for typ over the chunk's data region.
func (u *Udb) Walk(p RelPtr, typ ChunkType, length int, cb func(ptrOffset int)) {
	fn, ok := walkFuncs[typ]
	if !ok {
		return
	}
	fn(u.image[p:p+RelPtr(length)], cb)
}

var walkFuncs = map[ChunkType]WalkFunc{}

// RegisterWalkFunc lets a stored type (zone header, domain, RRset) declare
// which byte offsets within its chunk are relocatable pointers.
func RegisterWalkFunc(typ ChunkType, fn WalkFunc) { walkFuncs[typ] = fn }

// Sync flushes the in-memory image to disk. It does not touch the
// dirty-alloc flag, which Alloc sets and clears around each allocation.
func (u *Udb) Sync() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.flush()
}
