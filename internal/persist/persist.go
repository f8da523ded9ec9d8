// Package persist reads and writes index snapshots.
//
// A snapshot file is a fixed 36-byte header followed by the entry records:
//
//	magic        [8]byte  "RAGIDX01"
//	version      uint32   FormatVersion
//	dimension    uint32
//	entryCount   uint64
//	bodyLength   uint64
//	checksum     uint32   CRC-32 (IEEE) of header bytes 0..31 and the body
//
// All integers are little-endian. Writes go to a temporary file in the target
// directory which is then renamed over the target, so a reader never observes
// a partial file.
package persist

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/54b3r/ragcore/internal/rag"
)

// FormatVersion is the snapshot layout version written by Save.
const FormatVersion uint32 = 1

const (
	headerSize = 36
	magic      = "RAGIDX01"
)

// Snapshot is the serialisable state of an index. Entries are in insertion
// order.
type Snapshot struct {
	Dimension int
	Entries   []rag.IndexEntry
}

// Header is the decoded snapshot header.
type Header struct {
	FormatVersion uint32
	Dimension     int
	EntryCount    uint64
	BodyLength    uint64
	Checksum      uint32
}

// Status tags the outcome of Load.
type Status int

const (
	// Loaded means the snapshot decoded and validated.
	Loaded Status = iota
	// Missing means no snapshot exists at the path; start empty.
	Missing
	// Corrupted means the file exists but failed validation; start empty and
	// rebuild.
	Corrupted
)

func (s Status) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Missing:
		return "missing"
	case Corrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LoadResult is the tagged result of Load. Snapshot is set only when Status
// is Loaded; Err is set only when Status is Corrupted and wraps
// rag.ErrIndexCorrupted.
type LoadResult struct {
	Status   Status
	Snapshot *Snapshot
	Err      error
}

// Save writes snap to path atomically. On failure the previous file at path,
// if any, is untouched and the error wraps rag.ErrPersistence.
func Save(path string, snap *Snapshot) error {
	if !Validate(snap) {
		return fmt.Errorf("persist: %w: refusing to write an invalid snapshot", rag.ErrPersistence)
	}
	data := Encode(snap)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("persist: %w: create %s: %w", rag.ErrPersistence, dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist: %w: create temp file: %w", rag.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("persist: %w: write %s: %w", rag.ErrPersistence, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("persist: %w: sync %s: %w", rag.ErrPersistence, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: %w: close %s: %w", rag.ErrPersistence, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("persist: %w: rename into %s: %w", rag.ErrPersistence, path, err)
	}
	committed = true
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Load reads the snapshot at path. It never returns an error value: a missing
// file is Missing and any read, header, checksum or decode failure is
// Corrupted.
func Load(path string) LoadResult {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return LoadResult{Status: Missing}
	}
	if err != nil {
		return corrupted(fmt.Errorf("read %s: %w", path, err))
	}
	snap, err := Decode(data)
	if err != nil {
		return corrupted(err)
	}
	return LoadResult{Status: Loaded, Snapshot: snap}
}

func corrupted(err error) LoadResult {
	return LoadResult{Status: Corrupted, Err: fmt.Errorf("persist: %w: %w", rag.ErrIndexCorrupted, err)}
}

// ReadHeader decodes and checks only the header of the snapshot at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("persist: %w: short header: %w", rag.ErrIndexCorrupted, err)
	}
	h, err := parseHeader(buf)
	if err != nil {
		return Header{}, fmt.Errorf("persist: %w: %w", rag.ErrIndexCorrupted, err)
	}
	return h, nil
}

// Validate reports whether snap is internally consistent: a positive
// dimension, every embedding of that dimension with finite components, and
// unique non-empty chunk ids.
func Validate(snap *Snapshot) bool {
	if snap == nil || snap.Dimension <= 0 {
		return false
	}
	seen := make(map[string]struct{}, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Chunk.ID == "" || len(e.Embedding) != snap.Dimension {
			return false
		}
		if _, dup := seen[e.Chunk.ID]; dup {
			return false
		}
		seen[e.Chunk.ID] = struct{}{}
		for _, x := range e.Embedding {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return false
			}
		}
	}
	return true
}

// Encode serialises snap into the snapshot file format.
func Encode(snap *Snapshot) []byte {
	var body encoder
	for _, e := range snap.Entries {
		body.entry(e)
	}

	out := make([]byte, headerSize, headerSize+len(body.buf))
	copy(out, magic)
	le.PutUint32(out[8:], FormatVersion)
	le.PutUint32(out[12:], uint32(snap.Dimension))
	le.PutUint64(out[16:], uint64(len(snap.Entries)))
	le.PutUint64(out[24:], uint64(len(body.buf)))
	sum := crc32.NewIEEE()
	_, _ = sum.Write(out[:32])
	_, _ = sum.Write(body.buf)
	le.PutUint32(out[32:], sum.Sum32())
	return append(out, body.buf...)
}

// Decode parses and validates a snapshot file image.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("file is %d bytes, shorter than the %d-byte header", len(data), headerSize)
	}
	h, err := parseHeader(data[:headerSize])
	if err != nil {
		return nil, err
	}
	body := data[headerSize:]
	if uint64(len(body)) != h.BodyLength {
		return nil, fmt.Errorf("body is %d bytes, header says %d", len(body), h.BodyLength)
	}
	sum := crc32.NewIEEE()
	_, _ = sum.Write(data[:32])
	_, _ = sum.Write(body)
	if got := sum.Sum32(); got != h.Checksum {
		return nil, fmt.Errorf("checksum mismatch: header %08x, computed %08x", h.Checksum, got)
	}

	// Every entry takes well over one byte, so this bounds the allocation.
	if h.EntryCount > uint64(len(body)) {
		return nil, fmt.Errorf("entry count %d exceeds body size", h.EntryCount)
	}
	d := decoder{buf: body}
	snap := &Snapshot{Dimension: h.Dimension, Entries: make([]rag.IndexEntry, 0, h.EntryCount)}
	for i := uint64(0); i < h.EntryCount; i++ {
		e, err := d.entry(h.Dimension)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		snap.Entries = append(snap.Entries, e)
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d entries", len(d.buf), h.EntryCount)
	}
	if !Validate(snap) {
		return nil, fmt.Errorf("snapshot failed validation")
	}
	return snap, nil
}

func parseHeader(b []byte) (Header, error) {
	if string(b[:8]) != magic {
		return Header{}, fmt.Errorf("bad magic %q", b[:8])
	}
	h := Header{
		FormatVersion: le.Uint32(b[8:]),
		Dimension:     int(le.Uint32(b[12:])),
		EntryCount:    le.Uint64(b[16:]),
		BodyLength:    le.Uint64(b[24:]),
		Checksum:      le.Uint32(b[32:]),
	}
	if h.FormatVersion != FormatVersion {
		return Header{}, fmt.Errorf("unsupported format version %d (want %d)", h.FormatVersion, FormatVersion)
	}
	if h.Dimension <= 0 {
		return Header{}, fmt.Errorf("invalid dimension %d", h.Dimension)
	}
	return h, nil
}
